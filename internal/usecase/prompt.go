package usecase

import (
	"strings"

	"bedrock-chatbot/internal/domain"
)

// buildPromptMessages converts session turns into the ordered message list
// sent for inference. Blank turns are dropped first. When maxTurns is
// positive only the most recent turns are kept, and the window is trimmed
// forward until it starts with a user turn.
func buildPromptMessages(turns []domain.Turn, maxTurns int) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(turns))
	for _, t := range turns {
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		messages = append(messages, domain.ChatMessage{Role: t.Role, Content: content})
	}

	if maxTurns > 0 && len(messages) > maxTurns {
		messages = messages[len(messages)-maxTurns:]
	}
	for len(messages) > 0 && messages[0].Role != domain.RoleUser {
		messages = messages[1:]
	}
	return messages
}
