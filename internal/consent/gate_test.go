package consent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/lead-automation/internal/model"
	"github.com/LeventeLantos/lead-automation/internal/repo"
)

type recordingPauser struct {
	paused []string
	err    error
}

func (p *recordingPauser) PauseOptedOut(_ context.Context, leadID string) error {
	if p.err != nil {
		return p.err
	}
	p.paused = append(p.paused, leadID)
	return nil
}

type recordingPublisher struct {
	events []model.AuditEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev model.AuditEvent) error {
	p.events = append(p.events, ev)
	return nil
}

type failingConsents struct{}

func (failingConsents) LatestConsent(context.Context, string, model.Channel) (*model.ConsentRecord, error) {
	return nil, errors.New("db down")
}

func (failingConsents) AppendConsent(context.Context, model.ConsentRecord) error {
	return errors.New("db down")
}

var fixedNow = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func newGate(t *testing.T) (*Gate, *repo.MemoryStore, *recordingPauser, *recordingPublisher) {
	t.Helper()

	store := repo.NewMemoryStore()
	store.PutLead(model.Lead{ID: "lead-1", Phone: "+15550001", FirstName: "Sam"})
	store.PutLead(model.Lead{ID: "lead-2", Phone: "+15550001"})
	store.PutLead(model.Lead{ID: "lead-3", Phone: "+15550003"})
	store.PutLead(model.Lead{ID: "no-phone"})

	pauser := &recordingPauser{}
	pub := &recordingPublisher{}
	g := NewGate(store, store, store, pauser, pub).WithClock(func() time.Time { return fixedNow })
	return g, store, pauser, pub
}

func TestCanSendRequiresGrantedConsent(t *testing.T) {
	g, _, _, _ := newGate(t)
	ctx := context.Background()

	d, err := g.CanSend(ctx, "lead-1", model.ChannelSMS)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoConsent, d.Reason)

	_, err = g.RecordConsent(ctx, model.ConsentRecord{LeadID: "lead-1", Channel: model.ChannelSMS, Granted: true, Method: "web_form"})
	require.NoError(t, err)

	d, err = g.CanSend(ctx, "lead-1", model.ChannelSMS)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonAllowed, d.Reason)
}

func TestCanSendLatestRecordWins(t *testing.T) {
	g, _, _, _ := newGate(t)
	ctx := context.Background()

	_, err := g.RecordConsent(ctx, model.ConsentRecord{LeadID: "lead-1", Channel: model.ChannelSMS, Granted: true, CapturedAt: fixedNow.Add(-2 * time.Hour)})
	require.NoError(t, err)
	_, err = g.RecordConsent(ctx, model.ConsentRecord{LeadID: "lead-1", Channel: model.ChannelSMS, Granted: false, CapturedAt: fixedNow.Add(-time.Hour)})
	require.NoError(t, err)

	d, err := g.CanSend(ctx, "lead-1", model.ChannelSMS)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestCanSendMissingContact(t *testing.T) {
	g, _, _, _ := newGate(t)

	d, err := g.CanSend(context.Background(), "no-phone", model.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoContact, d.Reason)
}

func TestCanSendFailsClosedOnStorageError(t *testing.T) {
	store := repo.NewMemoryStore()
	store.PutLead(model.Lead{ID: "lead-1", Phone: "+15550001"})
	g := NewGate(failingConsents{}, store, store, &recordingPauser{}, nil)

	d, err := g.CanSend(context.Background(), "lead-1", model.ChannelSMS)
	require.Error(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUnavailable, d.Reason)
	assert.Equal(t, model.KindStorage, model.KindOf(err))

	d, err = g.CanSend(context.Background(), "unknown", model.ChannelSMS)
	require.Error(t, err)
	assert.False(t, d.Allowed)
}

func TestOptOutBlocksEvenWithConsent(t *testing.T) {
	g, _, pauser, pub := newGate(t)
	ctx := context.Background()

	_, err := g.RecordConsent(ctx, model.ConsentRecord{LeadID: "lead-1", Channel: model.ChannelSMS, Granted: true})
	require.NoError(t, err)

	optedOut, err := g.ProcessOptOut(ctx, "+15550001", model.ChannelSMS, "Stop.")
	require.NoError(t, err)
	assert.True(t, optedOut)
	assert.Equal(t, []string{"lead-1", "lead-2"}, pauser.paused)

	d, err := g.CanSend(ctx, "lead-1", model.ChannelSMS)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSuppressed, d.Reason)

	var optOuts int
	for _, ev := range pub.events {
		if ev.Type == model.EventOptOut {
			optOuts++
			assert.NotEmpty(t, ev.ID)
			assert.Equal(t, fixedNow, ev.OccurredAt)
		}
	}
	assert.Equal(t, 2, optOuts)

	d, err = g.CanSend(ctx, "lead-3", model.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoConsent, d.Reason)
}

func TestProcessOptOutIgnoresNormalReplies(t *testing.T) {
	g, _, pauser, _ := newGate(t)

	optedOut, err := g.ProcessOptOut(context.Background(), "+15550001", model.ChannelSMS, "please stop the car at the lot")
	require.NoError(t, err)
	assert.False(t, optedOut)
	assert.Empty(t, pauser.paused)
}

func TestProcessOptOutReportsPauseFailures(t *testing.T) {
	g, _, pauser, _ := newGate(t)
	pauser.err = errors.New("conflict")

	optedOut, err := g.ProcessOptOut(context.Background(), "+15550001", model.ChannelSMS, "STOP")
	assert.True(t, optedOut)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pause lead lead-1")
}

func TestRecordConsentValidates(t *testing.T) {
	g, _, _, _ := newGate(t)

	_, err := g.RecordConsent(context.Background(), model.ConsentRecord{Channel: model.ChannelSMS})
	assert.Error(t, err)

	_, err = g.RecordConsent(context.Background(), model.ConsentRecord{LeadID: "lead-1", Channel: "fax"})
	assert.Error(t, err)

	rec, err := g.RecordConsent(context.Background(), model.ConsentRecord{LeadID: "lead-1", Channel: model.ChannelSMS, Granted: true})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, fixedNow, rec.CapturedAt)
}
