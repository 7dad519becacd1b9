// Package sandbox executes worker-authored Python code against an external
// execution service over HTTP.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"datapilot/pkg/logger"
)

const defaultTimeout = 30 * time.Second

// Result is the outcome of one code execution.
type Result struct {
	Success    bool                   `json:"success"`
	Output     string                 `json:"output"`
	Variables  map[string]interface{} `json:"variables"`
	Error      string                 `json:"error"`
	StackTrace string                 `json:"stack_trace"`
}

// Sandbox runs code with a set of named local values and returns the
// resulting locals alongside captured stdout.
type Sandbox interface {
	Execute(ctx context.Context, code string, locals map[string]interface{}) (*Result, error)
}

// HTTPSandbox talks to a remote execution service.
type HTTPSandbox struct {
	baseURL string
	client  *http.Client
	logger  logger.Logger
}

// NewHTTP creates a sandbox client against baseURL.
func NewHTTP(baseURL string, log logger.Logger) *HTTPSandbox {
	return &HTTPSandbox{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
		logger:  log,
	}
}

type executeRequest struct {
	Code   string                 `json:"code"`
	Locals map[string]interface{} `json:"locals"`
}

// Execute posts the code and locals to the service's /execute endpoint.
func (s *HTTPSandbox) Execute(ctx context.Context, code string, locals map[string]interface{}) (*Result, error) {
	body, err := json.Marshal(executeRequest{Code: code, Locals: locals})
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build execution request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	s.logger.Debugf("Submitting %d bytes of code to sandbox", len(code))
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read sandbox response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sandbox returned status %d: %s", resp.StatusCode, string(data))
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode sandbox response: %w", err)
	}
	return &result, nil
}
