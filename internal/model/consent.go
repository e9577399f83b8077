package model

import "time"

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

func (c Channel) Valid() bool {
	return c == ChannelSMS || c == ChannelEmail
}

// ConsentRecord is append-only; the most recent record per lead and channel
// is the current one.
type ConsentRecord struct {
	ID         string    `json:"id"`
	LeadID     string    `json:"leadId"`
	Channel    Channel   `json:"channel"`
	Granted    bool      `json:"granted"`
	Method     string    `json:"method"`
	CapturedAt time.Time `json:"capturedAt"`
	Text       string    `json:"text"`
}

type SuppressionReason string

const (
	SuppressionOptOut  SuppressionReason = "opt_out"
	SuppressionBlocked SuppressionReason = "blocked"
)

type SuppressionSource string

const (
	SourceInboundKeyword SuppressionSource = "inbound_keyword"
	SourceAdmin          SuppressionSource = "admin"
)

type SuppressionEntry struct {
	ID        string            `json:"id"`
	Contact   string            `json:"contact"`
	Channel   Channel           `json:"channel"`
	Reason    SuppressionReason `json:"reason"`
	Source    SuppressionSource `json:"source"`
	Detail    string            `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}
