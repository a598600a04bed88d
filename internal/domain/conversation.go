package domain

// HistoryLimit bounds the persisted history window (5 exchanges).
const HistoryLimit = 10

// ConversationState is the durable per-sender conversation memory.
type ConversationState struct {
	Summary string
	Context map[string]string
	History []ChatMessage
}

// EmptyConversation returns the degraded state used when nothing is stored
// or the store cannot be read.
func EmptyConversation() ConversationState {
	return ConversationState{
		Context: map[string]string{},
		History: []ChatMessage{},
	}
}

// TrimHistory keeps the most recent HistoryLimit entries.
func TrimHistory(history []ChatMessage) []ChatMessage {
	if len(history) <= HistoryLimit {
		return history
	}
	return history[len(history)-HistoryLimit:]
}

// MessageLog is a persisted record of one answered interaction.
type MessageLog struct {
	PK            string
	SK            string
	SenderID      string
	InteractionID string
	Question      string
	Answer        string
	IsPaid        bool
	TokensUsed    int
	CreatedAt     string
	TTL           int64
}
