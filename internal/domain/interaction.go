package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Interaction is one logical unit of user input, possibly combined from
// several rapid messages. It yields one reply and one quota increment.
type Interaction struct {
	ID        string
	SenderID  string
	Text      string
	CreatedAt time.Time
}

// NewInteraction mints an Interaction with a globally unique ID of the form
// <sender>-<unix millis>-<random suffix>.
func NewInteraction(senderID, text string, now time.Time) Interaction {
	return Interaction{
		ID:        fmt.Sprintf("%s-%d-%s", senderID, now.UnixMilli(), randomSuffix()),
		SenderID:  senderID,
		Text:      text,
		CreatedAt: now,
	}
}

var randomSuffix = func() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
