package domain

import "time"

// SubscriptionStatus is the billing state written by the external billing
// integration. The core only reads it.
type SubscriptionStatus string

const (
	SubscriptionFree      SubscriptionStatus = "free"
	SubscriptionPaid      SubscriptionStatus = "paid"
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// UserRecord is the persisted per-sender quota record.
type UserRecord struct {
	SenderID            string
	MessagesCount       int
	SubscriptionStatus  SubscriptionStatus
	SubscriptionEndDate time.Time
	CreatedAt           time.Time
}

// HasActiveSubscription reports whether the sender is on a paid plan that has
// not yet expired at now.
func (u UserRecord) HasActiveSubscription(now time.Time) bool {
	return u.SubscriptionStatus == SubscriptionPaid && u.SubscriptionEndDate.After(now)
}
