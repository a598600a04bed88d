// Package memory keeps the rolling per-sender conversation state: a bounded
// history window, extracted facts and a running summary.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"whatsapp-companion/internal/domain"
)

const (
	// DefaultModel is used for context extraction and summaries.
	DefaultModel = "gpt-4o-mini"
	// summaryThreshold is the history length from which a summary is produced.
	summaryThreshold = 4

	contextTemperature = 0.3
	summaryTemperature = 0.5
)

type Store interface {
	GetConversation(ctx context.Context, senderID string) (domain.ConversationState, error)
	SaveConversation(ctx context.Context, senderID string, state domain.ConversationState) error
}

type LLM interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error)
}

type Manager struct {
	store  Store
	llm    LLM
	model  string
	logger *slog.Logger
}

type Option func(*Manager)

func WithModel(model string) Option {
	return func(m *Manager) {
		if model = strings.TrimSpace(model); model != "" {
			m.model = model
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewManager(store Store, llm LLM, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("memory: store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("memory: llm must not be nil")
	}
	m := &Manager{
		store:  store,
		llm:    llm,
		model:  DefaultModel,
		logger: slog.Default().With("component", "memory"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Load returns the stored state, or an empty one when the store fails.
func (m *Manager) Load(ctx context.Context, senderID string) domain.ConversationState {
	state, err := m.store.GetConversation(ctx, senderID)
	if err != nil {
		m.logger.Warn("conversation load failed, using empty state", "sender", senderID, "err", err)
		return domain.EmptyConversation()
	}
	if state.Context == nil {
		state.Context = map[string]string{}
	}
	if state.History == nil {
		state.History = []domain.ChatMessage{}
	}
	return state
}

// Update appends one exchange, refreshes the extracted context and summary,
// and persists all three in a single write. Extraction and summary failures
// keep the previous values.
func (m *Manager) Update(ctx context.Context, senderID, userText, assistantText string) error {
	current, err := m.store.GetConversation(ctx, senderID)
	if err != nil {
		return fmt.Errorf("memory: Update: %w", err)
	}

	history := make([]domain.ChatMessage, 0, len(current.History)+2)
	history = append(history, current.History...)
	history = append(history,
		domain.ChatMessage{Role: domain.RoleUser, Content: userText},
		domain.ChatMessage{Role: domain.RoleAssistant, Content: assistantText},
	)
	history = domain.TrimHistory(history)

	next := domain.ConversationState{
		Summary: current.Summary,
		Context: m.extractContext(ctx, senderID, userText, assistantText, current.Context),
		History: history,
	}
	if len(history) >= summaryThreshold {
		if summary, ok := m.summarize(ctx, senderID, history); ok {
			next.Summary = summary
		}
	}

	if err := m.store.SaveConversation(ctx, senderID, next); err != nil {
		return fmt.Errorf("memory: Update: %w", err)
	}
	return nil
}

func (m *Manager) extractContext(ctx context.Context, senderID, userText, assistantText string, existing map[string]string) map[string]string {
	if existing == nil {
		existing = map[string]string{}
	}
	existingJSON, err := json.Marshal(existing)
	if err != nil {
		existingJSON = []byte("{}")
	}

	out, err := m.llm.Complete(ctx, domain.CompletionRequest{
		Model: m.model,
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: contextExtractionPrompt},
			{Role: domain.RoleUser, Content: fmt.Sprintf(
				"Mensaje del usuario: %q\n\nRespuesta del asistente: %q\n\nContexto existente: %s",
				userText, assistantText, existingJSON)},
		},
		Temperature: domain.Temperature(contextTemperature),
	})
	if err != nil {
		m.logger.Warn("context extraction failed", "sender", senderID, "err", err)
		return existing
	}

	extracted, ok := parseContext(out.Text)
	if !ok {
		m.logger.Warn("context extraction returned no usable object", "sender", senderID)
		return existing
	}
	return mergeContext(existing, extracted)
}

func (m *Manager) summarize(ctx context.Context, senderID string, history []domain.ChatMessage) (string, bool) {
	out, err := m.llm.Complete(ctx, domain.CompletionRequest{
		Model: m.model,
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: summaryPrompt},
			{Role: domain.RoleUser, Content: "Conversación a resumir:\n\n" + formatTranscript(history)},
		},
		Temperature: domain.Temperature(summaryTemperature),
	})
	if err != nil {
		m.logger.Warn("summary generation failed", "sender", senderID, "err", err)
		return "", false
	}
	summary := strings.TrimSpace(out.Text)
	if summary == "" {
		return "", false
	}
	return summary, true
}

// parseContext takes the span from the first '{' to the last '}' and decodes
// it as a JSON object. Non-string values are kept as compact JSON text.
func parseContext(raw string) (map[string]string, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw[start:end+1]), &obj); err != nil || obj == nil {
		return nil, false
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		if len(v) > 0 && v[0] == '"' {
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return nil, false
			}
			out[k] = s
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return nil, false
		}
		out[k] = buf.String()
	}
	return out, true
}

// mergeContext returns a new map with update's keys overriding base's.
func mergeContext(base, update map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(update))
	maps.Copy(merged, base)
	maps.Copy(merged, update)
	return merged
}

func formatTranscript(history []domain.ChatMessage) string {
	parts := make([]string, 0, len(history))
	for _, msg := range history {
		parts = append(parts, strings.ToUpper(msg.Role)+": "+msg.Content)
	}
	return strings.Join(parts, "\n\n")
}
