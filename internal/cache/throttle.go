package cache

import (
	"context"
	"time"
)

// Throttle guards sends across runner processes: a short-lived claim per
// lead so two cycles never work the same lead at once, a per-day counter
// for the daily send limit, and a marker of the last delivered message.
type Throttle interface {
	// Claim returns false when another worker already holds the lead.
	Claim(ctx context.Context, leadID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, leadID string) error
	// IncrDaily bumps the counter for leadID on day (YYYY-MM-DD) and returns
	// the new value.
	IncrDaily(ctx context.Context, leadID, day string) (int64, error)
	DailyCount(ctx context.Context, leadID, day string) (int64, error)
	// StoreSent remembers the provider id of the last message sent to a lead.
	StoreSent(ctx context.Context, leadID, providerMessageID string, sentAt time.Time) error
	// LastSent returns the marker written by StoreSent, if it has not expired.
	LastSent(ctx context.Context, leadID string) (SentMarker, bool, error)
}

const dailyTTL = 48 * time.Hour

func claimKey(leadID string) string { return "claim:" + leadID }

func dailyKey(leadID, day string) string { return "daily:" + leadID + ":" + day }

func sentKey(leadID string) string { return "sent:" + leadID }

type SentMarker struct {
	ProviderMessageID string    `json:"providerMessageId"`
	SentAt            time.Time `json:"sentAt"`
}
