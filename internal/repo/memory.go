package repo

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/LeventeLantos/lead-automation/internal/model"
)

// MemoryStore implements every repository in memory for tests.
type MemoryStore struct {
	mu sync.Mutex

	schedules    map[string]model.LeadSchedule
	consents     []model.ConsentRecord
	suppressions map[string]model.SuppressionEntry
	attempts     []model.DeliveryAttempt
	audit        []model.AuditEvent
	killSwitch   *model.KillSwitchState
	leads        map[string]model.Lead
	history      map[string][]model.ConversationMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schedules:    make(map[string]model.LeadSchedule),
		suppressions: make(map[string]model.SuppressionEntry),
		leads:        make(map[string]model.Lead),
		history:      make(map[string][]model.ConversationMessage),
	}
}

func (m *MemoryStore) GetSchedule(_ context.Context, leadID string) (model.LeadSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[leadID]
	if !ok {
		return model.LeadSchedule{}, model.ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) CreateSchedule(_ context.Context, s model.LeadSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[s.LeadID]; ok {
		return model.ErrAlreadyExists
	}
	s = s.Clone()
	s.Version = 1
	m.schedules[s.LeadID] = s
	return nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, s model.LeadSchedule) (model.LeadSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.schedules[s.LeadID]
	if !ok {
		return model.LeadSchedule{}, model.ErrNotFound
	}
	if cur.Version != s.Version {
		return model.LeadSchedule{}, fmt.Errorf("lead %s at version %d: %w", s.LeadID, s.Version, model.ErrVersionConflict)
	}

	next := s.Clone()
	next.Version = cur.Version + 1
	next.CreatedAt = cur.CreatedAt
	next.MessagesSent = max(cur.MessagesSent, s.MessagesSent)
	m.schedules[s.LeadID] = next
	return next.Clone(), nil
}

func (m *MemoryStore) ListDue(_ context.Context, q DueQuery) ([]model.LeadSchedule, error) {
	if q.Limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	return m.collect(q.Limit, func(s model.LeadSchedule) bool {
		if !s.Active() {
			return false
		}
		if s.NextSendAt != nil && s.NextSendAt.After(q.Now) {
			return false
		}
		if s.LastOutcome == model.OutcomeSkippedConsent && s.LastAttemptAt != nil && s.LastAttemptAt.After(q.RecheckBefore) {
			return false
		}
		return true
	}, func(a, b model.LeadSchedule) int {
		switch {
		case a.NextSendAt == nil && b.NextSendAt != nil:
			return -1
		case a.NextSendAt != nil && b.NextSendAt == nil:
			return 1
		case a.NextSendAt != nil && b.NextSendAt != nil:
			if c := a.NextSendAt.Compare(*b.NextSendAt); c != 0 {
				return c
			}
		}
		return cmp.Compare(a.LeadID, b.LeadID)
	}), nil
}

func (m *MemoryStore) ListOverdue(_ context.Context, before time.Time, limit int) ([]model.LeadSchedule, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	return m.collect(limit, func(s model.LeadSchedule) bool {
		return s.Active() &&
			s.LastOutcome != model.OutcomeSkippedConsent &&
			dueOrCreated(s).Before(before)
	}, func(a, b model.LeadSchedule) int {
		if c := dueOrCreated(a).Compare(dueOrCreated(b)); c != 0 {
			return c
		}
		return cmp.Compare(a.LeadID, b.LeadID)
	}), nil
}

func (m *MemoryStore) ListPaused(_ context.Context, reason model.PauseReason, pausedBefore time.Time, limit int) ([]model.LeadSchedule, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	return m.collect(limit, func(s model.LeadSchedule) bool {
		return s.Paused && s.PauseReason == reason && s.PausedAt != nil && s.PausedAt.Before(pausedBefore)
	}, func(a, b model.LeadSchedule) int {
		if c := a.PausedAt.Compare(*b.PausedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.LeadID, b.LeadID)
	}), nil
}

func (m *MemoryStore) CountActive(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.schedules {
		if s.Active() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) collect(limit int, keep func(model.LeadSchedule) bool, order func(a, b model.LeadSchedule) int) []model.LeadSchedule {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.LeadSchedule
	for _, s := range m.schedules {
		if keep(s) {
			out = append(out, s.Clone())
		}
	}
	slices.SortFunc(out, order)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func dueOrCreated(s model.LeadSchedule) time.Time {
	if s.NextSendAt != nil {
		return *s.NextSendAt
	}
	return s.CreatedAt
}

func (m *MemoryStore) LatestConsent(_ context.Context, leadID string, ch model.Channel) (*model.ConsentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *model.ConsentRecord
	for i := range m.consents {
		rec := m.consents[i]
		if rec.LeadID != leadID || rec.Channel != ch {
			continue
		}
		if latest == nil || !rec.CapturedAt.Before(latest.CapturedAt) {
			r := rec
			latest = &r
		}
	}
	return latest, nil
}

func (m *MemoryStore) AppendConsent(_ context.Context, rec model.ConsentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consents = append(m.consents, rec)
	return nil
}

func suppressionKey(contact string, ch model.Channel) string {
	return string(ch) + ":" + contact
}

func (m *MemoryStore) IsSuppressed(_ context.Context, contact string, ch model.Channel) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.suppressions[suppressionKey(contact, ch)]
	return ok, nil
}

func (m *MemoryStore) AddSuppression(_ context.Context, e model.SuppressionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := suppressionKey(e.Contact, e.Channel)
	if _, ok := m.suppressions[key]; !ok {
		m.suppressions[key] = e
	}
	return nil
}

func (m *MemoryStore) AppendAttempt(_ context.Context, a model.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts = append(m.attempts, a)
	return nil
}

func (m *MemoryStore) UpdateProviderStatus(_ context.Context, providerMessageID string, st model.ProviderStatus, at time.Time) (model.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.attempts {
		a := &m.attempts[i]
		if a.ProviderMessageID == nil || *a.ProviderMessageID != providerMessageID {
			continue
		}
		a.ProviderStatus = &st
		a.StatusUpdatedAt = model.TimePtr(at)
		return *a, nil
	}
	return model.DeliveryAttempt{}, model.ErrNotFound
}

func (m *MemoryStore) ListAttempts(_ context.Context, leadID string, limit, offset int) ([]model.DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	offset = max(offset, 0)

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.DeliveryAttempt
	for i := len(m.attempts) - 1; i >= 0; i-- {
		if leadID == "" || m.attempts[i].LeadID == leadID {
			out = append(out, m.attempts[i])
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, ev model.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.audit = append(m.audit, ev)
	return nil
}

// AuditEvents returns a copy of the recorded audit trail.
func (m *MemoryStore) AuditEvents() []model.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.audit)
}

func (m *MemoryStore) LoadKillSwitch(_ context.Context) (model.KillSwitchState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.killSwitch == nil {
		return model.KillSwitchState{}, nil
	}
	return *m.killSwitch, nil
}

func (m *MemoryStore) SaveKillSwitch(_ context.Context, st model.KillSwitchState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.killSwitch = &st
	return nil
}

// PutLead seeds the CRM side of the store.
func (m *MemoryStore) PutLead(l model.Lead) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.leads[l.ID] = l
}

// AppendInbound records a lead reply in the conversation log.
func (m *MemoryStore) AppendInbound(leadID, text string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history[leadID] = append(m.history[leadID], model.ConversationMessage{Direction: model.Inbound, Text: text, At: at})
}

func (m *MemoryStore) Lead(_ context.Context, leadID string) (model.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leads[leadID]
	if !ok {
		return model.Lead{}, model.ErrNotFound
	}
	return l, nil
}

func (m *MemoryStore) LeadsByContact(_ context.Context, contact string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, l := range m.leads {
		if contact != "" && (l.Phone == contact || l.Email == contact) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *MemoryStore) History(_ context.Context, leadID string, limit int) ([]model.ConversationMessage, error) {
	if limit <= 0 {
		limit = 20
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.history[leadID]
	if len(h) > limit {
		h = h[len(h)-limit:]
	}
	return slices.Clone(h), nil
}

func (m *MemoryStore) RecordOutbound(_ context.Context, leadID, text string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history[leadID] = append(m.history[leadID], model.ConversationMessage{Direction: model.Outbound, Text: text, At: at})
	return nil
}

var (
	_ ScheduleRepository    = (*MemoryStore)(nil)
	_ ConsentRepository     = (*MemoryStore)(nil)
	_ SuppressionRepository = (*MemoryStore)(nil)
	_ AttemptRepository     = (*MemoryStore)(nil)
	_ AuditRepository       = (*MemoryStore)(nil)
	_ KillSwitchRepository  = (*MemoryStore)(nil)
	_ LeadDirectory         = (*MemoryStore)(nil)

	_ ScheduleRepository    = (*PostgresScheduleRepo)(nil)
	_ ConsentRepository     = (*PostgresConsentRepo)(nil)
	_ SuppressionRepository = (*PostgresConsentRepo)(nil)
	_ AttemptRepository     = (*PostgresAttemptRepo)(nil)
	_ AuditRepository       = (*PostgresAuditRepo)(nil)
	_ KillSwitchRepository  = (*PostgresKillSwitchRepo)(nil)
	_ LeadDirectory         = (*PostgresLeadDirectory)(nil)
)
