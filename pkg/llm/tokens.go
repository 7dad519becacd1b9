package llm

import (
	"github.com/pkoukk/tiktoken-go"
)

// countTokens estimates the token count of text for a model. Models without
// a registered encoding fall back to cl100k_base; an encoder failure falls
// back to a characters/4 estimate so usage accounting never blocks a call.
func countTokens(model, text string) int {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}
