package model

import "time"

type ProviderStatus string

const (
	ProviderQueued      ProviderStatus = "queued"
	ProviderSent        ProviderStatus = "sent"
	ProviderDelivered   ProviderStatus = "delivered"
	ProviderUndelivered ProviderStatus = "undelivered"
	ProviderFailed      ProviderStatus = "failed"
)

func (s ProviderStatus) Valid() bool {
	switch s {
	case ProviderQueued, ProviderSent, ProviderDelivered, ProviderUndelivered, ProviderFailed:
		return true
	}
	return false
}

// DeliveryAttempt is the append-only log of send attempts. Only the carrier
// status columns change after insert.
type DeliveryAttempt struct {
	ID                string          `json:"id"`
	LeadID            string          `json:"leadId"`
	MessageText       string          `json:"messageText"`
	AttemptedAt       time.Time       `json:"attemptedAt"`
	Outcome           Outcome         `json:"outcome"`
	ProviderMessageID *string         `json:"providerMessageId,omitempty"`
	ErrorDetail       *string         `json:"errorDetail,omitempty"`
	ProviderStatus    *ProviderStatus `json:"providerStatus,omitempty"`
	StatusUpdatedAt   *time.Time      `json:"statusUpdatedAt,omitempty"`
}
