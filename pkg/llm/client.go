package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonrepair"
	"github.com/tmc/langchaingo/llms"

	"datapilot/pkg/logger"
	"datapilot/pkg/store"
)

const (
	structuredMaxAttempts = 3
	structuredMaxTokens   = 20000
	retryBaseDelay        = 500 * time.Millisecond
)

// Client is the model access surface handlers depend on.
type Client interface {
	// Text runs a plain completion over the conversation.
	Text(ctx context.Context, messages []ChatMessage) (string, error)
	// Structured runs a JSON-mode completion and decodes the response into
	// out, retrying with corrective feedback when the output does not parse.
	Structured(ctx context.Context, messages []ChatMessage, out interface{}) error
}

// UsageRecorder receives token counts after each model call.
type UsageRecorder interface {
	Record(ctx context.Context, model string, promptTokens, completionTokens int)
}

// client drives a langchaingo model.
type client struct {
	model   llms.Model
	modelID string
	temp    float64
	logger  logger.Logger
	usage   UsageRecorder
}

func (c *client) Text(ctx context.Context, messages []ChatMessage) (string, error) {
	response, err := c.model.GenerateContent(ctx, toLangchain(messages),
		llms.WithTemperature(c.temp),
	)
	if err != nil {
		return "", fmt.Errorf("llm call failed: %w", err)
	}
	content, err := c.extractContent(response)
	if err != nil {
		return "", err
	}
	c.recordUsage(ctx, messages, content)
	return content, nil
}

func (c *client) Structured(ctx context.Context, messages []ChatMessage, out interface{}) error {
	schema, err := schemaFor(out)
	if err != nil {
		return err
	}

	conversation := append([]ChatMessage(nil), messages...)
	conversation = append(conversation, Text(store.RoleDeveloper, structuredInstruction(schema)))

	var lastErr error
	for attempt := 1; attempt <= structuredMaxAttempts; attempt++ {
		if attempt > 1 {
			sleepWithJitter(ctx, attempt-1)
		}

		response, err := c.model.GenerateContent(ctx, toLangchain(conversation),
			llms.WithTemperature(c.temp),
			llms.WithJSONMode(),
			llms.WithMaxTokens(structuredMaxTokens),
		)
		if err != nil {
			lastErr = fmt.Errorf("llm call failed: %w", err)
			c.logger.Warnf("Structured output attempt %d/%d failed: %v", attempt, structuredMaxAttempts, lastErr)
			continue
		}
		content, err := c.extractContent(response)
		if err != nil {
			lastErr = err
			continue
		}
		c.recordUsage(ctx, conversation, content)

		cleaned := cleanJSONContent(content)
		if err := json.Unmarshal([]byte(cleaned), out); err == nil {
			return nil
		}
		repaired, repairErr := jsonrepair.JSONRepair(cleaned)
		if repairErr == nil {
			if err := json.Unmarshal([]byte(repaired), out); err == nil {
				c.logger.Debugf("Structured output accepted after JSON repair")
				return nil
			}
		}

		lastErr = fmt.Errorf("response did not match the expected schema")
		c.logger.Warnf("Structured output attempt %d/%d produced unusable JSON", attempt, structuredMaxAttempts)
		conversation = append(conversation,
			Text(store.RoleAssistant, content),
			Text(store.RoleDeveloper, "The previous response was not valid JSON matching the required schema. Return ONLY the corrected JSON object, nothing else."),
		)
	}
	return fmt.Errorf("failed to generate structured output after %d attempts: %w", structuredMaxAttempts, lastErr)
}

func (c *client) extractContent(response *llms.ContentResponse) (string, error) {
	if response == nil || len(response.Choices) == 0 {
		return "", fmt.Errorf("no response generated from LLM")
	}
	content := response.Choices[0].Content
	if content == "" {
		return "", fmt.Errorf("no content in LLM response")
	}
	return content, nil
}

func (c *client) recordUsage(ctx context.Context, messages []ChatMessage, completion string) {
	if c.usage == nil {
		return
	}
	var promptText strings.Builder
	for _, m := range messages {
		promptText.WriteString(PlainText(m.Parts))
		promptText.WriteString("\n")
	}
	c.usage.Record(ctx, c.modelID,
		countTokens(c.modelID, promptText.String()),
		countTokens(c.modelID, completion),
	)
}

// schemaFor reflects the JSON schema of out's type.
func schemaFor(out interface{}) (string, error) {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(out)
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render schema: %w", err)
	}
	return string(data), nil
}

func structuredInstruction(schema string) string {
	return fmt.Sprintf(
		"You must respond with valid JSON that exactly matches this schema:\n\n%s\n\nReturn ONLY the JSON object. No text, no explanations, no markdown.",
		schema,
	)
}

// cleanJSONContent strips markdown code fences a model may wrap around JSON.
func cleanJSONContent(content string) string {
	cleaned := strings.TrimSpace(content)
	if !strings.Contains(cleaned, "```") {
		return cleaned
	}
	start := strings.Index(cleaned, "```")
	contentStart := start + 3
	if nl := strings.Index(cleaned[contentStart:], "\n"); nl != -1 {
		contentStart += nl + 1
	}
	end := strings.LastIndex(cleaned, "```")
	if end > contentStart {
		cleaned = cleaned[contentStart:end]
	}
	return strings.TrimSpace(cleaned)
}

func sleepWithJitter(ctx context.Context, failures int) {
	delay := retryBaseDelay << failures
	delay += time.Duration(rand.Int63n(int64(retryBaseDelay)))
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}
