package usecase

import (
	"fmt"
	"sort"
	"strings"

	"whatsapp-companion/internal/domain"
)

const replyTemperature = 0.7

const continuityReminder = "Recuerda que esta es una conversación continua. " +
	"Usa lo que sabes del usuario por el historial y el resumen para responder de forma personal, " +
	"y no repitas lo que ya le has dicho."

// buildPromptMessages lays out persona and memory, the recent history, a
// continuity reminder and finally the new user text.
func buildPromptMessages(persona string, state domain.ConversationState, text string) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(state.History)+3)
	messages = append(messages, domain.ChatMessage{
		Role:    domain.RoleSystem,
		Content: buildPersonaPrompt(persona, state),
	})
	for _, m := range state.History {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages,
		domain.ChatMessage{Role: domain.RoleSystem, Content: continuityReminder},
		domain.ChatMessage{Role: domain.RoleUser, Content: text},
	)
	return messages
}

func buildPersonaPrompt(persona string, state domain.ConversationState) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(persona))

	summary := strings.TrimSpace(state.Summary)
	facts := formatFacts(state.Context)
	if summary == "" && facts == "" {
		return b.String()
	}

	b.WriteString("\n\nLO QUE SABES DEL USUARIO Y DE LAS CONVERSACIONES ANTERIORES:")
	if summary != "" {
		b.WriteString("\n")
		b.WriteString(summary)
	}
	if facts != "" {
		b.WriteString("\n\nDatos conocidos:\n")
		b.WriteString(facts)
	}
	return b.String()
}

func formatFacts(ctx map[string]string) string {
	if len(ctx) == 0 {
		return ""
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("- %s: %s", k, ctx[k]))
	}
	return strings.Join(lines, "\n")
}
