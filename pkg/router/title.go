package router

import (
	"context"
	"fmt"
	"strings"

	"datapilot/pkg/llm"
	"datapilot/pkg/store"
)

// sessionTitle is the model's suggestion for a conversation title.
type sessionTitle struct {
	Title string `json:"title" jsonschema_description:"A conversation title of at most six words, no quotes"`
}

// UpdateTitle derives a short title from the session's opening messages and
// stores it. Safe to call repeatedly; the latest title wins.
func (s *Service) UpdateTitle(ctx context.Context, routerID string) (string, error) {
	msgs, err := s.store.GetMessages(ctx, store.AgentRouter, routerID)
	if err != nil {
		return "", err
	}
	var opening []string
	for _, m := range msgs {
		if m.Role != store.RoleUser {
			continue
		}
		parts, err := llm.DecodeContent(m.Content)
		if err != nil {
			continue
		}
		opening = append(opening, llm.PlainText(parts))
		if len(opening) >= 2 {
			break
		}
	}
	if len(opening) == 0 {
		return "", fmt.Errorf("router %s has no user messages to title", routerID)
	}

	prompt := "Suggest a short title for a conversation that starts with:\n\n" + strings.Join(opening, "\n")
	var suggestion sessionTitle
	if err := s.llm.Structured(ctx, []llm.ChatMessage{llm.Text(store.RoleUser, prompt)}, &suggestion); err != nil {
		return "", err
	}
	title := strings.TrimSpace(suggestion.Title)
	if title == "" {
		return "", fmt.Errorf("title generation produced an empty title")
	}
	if err := s.store.UpdateRouter(ctx, routerID, &store.RouterUpdate{Title: &title}); err != nil {
		return "", err
	}
	return title, nil
}
