package model

import "time"

type KillSwitchState struct {
	Disabled   bool       `json:"disabled"`
	DisabledAt *time.Time `json:"disabledAt,omitempty"`
	DisabledBy string     `json:"disabledBy,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	UpdatedBy  string     `json:"updatedBy,omitempty"`
}

type AuditEvent struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	LeadID     string            `json:"leadId,omitempty"`
	Actor      string            `json:"actor"`
	Detail     map[string]string `json:"detail,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

const (
	EventOptOut          = "opt_out"
	EventConsentRecorded = "consent_recorded"
	EventKillSwitchOff   = "automation_disabled"
	EventKillSwitchOn    = "automation_enabled"
	EventLeadPaused      = "lead_paused"
	EventLeadResumed     = "lead_resumed"
	EventLeadClosed      = "lead_closed"
	EventLeadOptedIn     = "lead_opted_in"
	EventScheduleRepair  = "schedule_repaired"
)
