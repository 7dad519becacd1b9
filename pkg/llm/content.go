// Package llm wraps langchaingo model access behind a small client interface
// offering plain text and schema-validated structured calls.
package llm

import (
	"encoding/json"
	"fmt"

	"github.com/tmc/langchaingo/llms"

	"datapilot/pkg/store"
)

// Part is one block of a message: plain text or an image reference carried as
// a data URL. This is also the persisted wire shape of multi-part message
// content in the store.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image as a URL, typically a base64 data URL.
type ImageURL struct {
	URL string `json:"url"`
}

// TextPart builds a text block.
func TextPart(text string) Part {
	return Part{Type: "text", Text: text}
}

// ImagePart builds an image block from base64-encoded PNG data.
func ImagePart(encoded string) Part {
	return Part{Type: "image_url", ImageURL: &ImageURL{URL: "data:image/png;base64," + encoded}}
}

// ChatMessage is one turn of a conversation handed to the model.
type ChatMessage struct {
	Role  store.Role
	Parts []Part
}

// Text builds a single-part message.
func Text(role store.Role, text string) ChatMessage {
	return ChatMessage{Role: role, Parts: []Part{TextPart(text)}}
}

// EncodeText serialises plain text message content for the store.
func EncodeText(text string) json.RawMessage {
	data, _ := json.Marshal(text)
	return data
}

// EncodeParts serialises multi-part message content for the store.
func EncodeParts(parts []Part) (json.RawMessage, error) {
	data, err := json.Marshal(parts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message parts: %w", err)
	}
	return data, nil
}

// DecodeContent reads stored message content back into parts. Content is
// either a JSON string or a list of part objects.
func DecodeContent(raw json.RawMessage) ([]Part, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []Part{TextPart(text)}, nil
	}
	var parts []Part
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("message content is neither a string nor a part list: %w", err)
	}
	return parts, nil
}

// PlainText flattens a message's text blocks into one string, skipping images.
func PlainText(parts []Part) string {
	var out string
	for _, p := range parts {
		if p.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

// FromStoreMessages converts persisted messages into chat messages, dropping
// entries whose content cannot be decoded.
func FromStoreMessages(msgs []store.Message) []ChatMessage {
	var chat []ChatMessage
	for _, m := range msgs {
		parts, err := DecodeContent(m.Content)
		if err != nil {
			continue
		}
		chat = append(chat, ChatMessage{Role: m.Role, Parts: parts})
	}
	return chat
}

// toLangchain converts chat messages into langchaingo message content.
// Developer messages travel as human turns, and consecutive turns with the
// same resolved role are merged because some providers require strict
// user/assistant alternation.
func toLangchain(messages []ChatMessage) []llms.MessageContent {
	var out []llms.MessageContent
	for _, m := range messages {
		role := mapRole(m.Role)
		var parts []llms.ContentPart
		for _, p := range m.Parts {
			switch p.Type {
			case "image_url":
				if p.ImageURL != nil {
					parts = append(parts, llms.ImageURLPart(p.ImageURL.URL))
				}
			default:
				parts = append(parts, llms.TextPart(p.Text))
			}
		}
		if len(parts) == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			continue
		}
		out = append(out, llms.MessageContent{Role: role, Parts: parts})
	}
	return out
}

func mapRole(role store.Role) llms.ChatMessageType {
	switch role {
	case store.RoleSystem:
		return llms.ChatMessageTypeSystem
	case store.RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		// user and developer both speak to the model as human turns
		return llms.ChatMessageTypeHuman
	}
}
