package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/lead-automation/internal/model"
)

func TestOnInboundMessage_StopPausesAndBlocksSends(t *testing.T) {
	f := newFixture(t)
	f.seedLead(t, "L1", "+15550001")

	res, err := f.inbound.OnInboundMessage(context.Background(), "L1", model.ChannelSMS, "Stop.")
	require.NoError(t, err)
	assert.True(t, res.OptedOut)

	s := f.schedule(t, "L1")
	assert.True(t, s.Paused)
	assert.Equal(t, model.PauseOptedOut, s.PauseReason)

	suppressed, err := f.store.IsSuppressed(context.Background(), "+15550001", model.ChannelSMS)
	require.NoError(t, err)
	assert.True(t, suppressed)

	report := f.run(t)
	assert.Zero(t, report.Selected)
	assert.Zero(t, f.sender.count())
}

func TestOnInboundMessage_SuppressionOutlivesManualResumeAttempt(t *testing.T) {
	f := newFixture(t)
	f.seedLead(t, "L1", "+15550001")
	_, err := f.inbound.OnInboundMessage(context.Background(), "L1", model.ChannelSMS, "unsubscribe")
	require.NoError(t, err)

	_, err = f.lifecycle.Resume(context.Background(), "L1", "agent")
	assert.ErrorIs(t, err, model.ErrOptedOut)

	decision, err := f.gate.CanSend(context.Background(), "L1", model.ChannelSMS)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}

func TestOnInboundMessage_ReplyBringsFollowUpForward(t *testing.T) {
	f := newFixture(t)
	f.seedLead(t, "L1", "+15550001")
	f.run(t)
	require.Equal(t, baseNow.Add(24*time.Hour), *f.schedule(t, "L1").NextSendAt)

	f.setNow(baseNow.Add(time.Hour))
	res, err := f.inbound.OnInboundMessage(context.Background(), "L1", model.ChannelSMS, "please stop the car at the front")
	require.NoError(t, err)

	assert.False(t, res.OptedOut)
	assert.True(t, res.Rescheduled)
	assert.Equal(t, baseNow.Add(time.Hour+2*time.Minute), *f.schedule(t, "L1").NextSendAt)
}

func TestOnInboundMessage_UnknownLead(t *testing.T) {
	f := newFixture(t)

	_, err := f.inbound.OnInboundMessage(context.Background(), "nobody", model.ChannelSMS, "hi")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestOnInboundMessage_LeadWithoutScheduleIsNoop(t *testing.T) {
	f := newFixture(t)
	f.store.PutLead(model.Lead{ID: "L1", Phone: "+15550001"})

	res, err := f.inbound.OnInboundMessage(context.Background(), "L1", model.ChannelSMS, "hello?")
	require.NoError(t, err)
	assert.False(t, res.Rescheduled)
}

func TestOnDeliveryStatus_UpdatesAttempt(t *testing.T) {
	f := newFixture(t)
	f.seedLead(t, "L1", "+15550001")
	f.run(t)

	f.setNow(baseNow.Add(time.Minute))
	a, err := f.inbound.OnDeliveryStatus(context.Background(), "msg-1", model.ProviderDelivered)
	require.NoError(t, err)

	assert.Equal(t, "L1", a.LeadID)
	assert.Equal(t, model.OutcomeSent, a.Outcome)
	require.NotNil(t, a.ProviderStatus)
	assert.Equal(t, model.ProviderDelivered, *a.ProviderStatus)
	assert.Equal(t, baseNow.Add(time.Minute), *a.StatusUpdatedAt)
}

func TestOnDeliveryStatus_RejectsBadInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.inbound.OnDeliveryStatus(context.Background(), "", model.ProviderDelivered)
	assert.Error(t, err)

	_, err = f.inbound.OnDeliveryStatus(context.Background(), "msg-1", model.ProviderStatus("lost"))
	assert.Error(t, err)

	_, err = f.inbound.OnDeliveryStatus(context.Background(), "unknown", model.ProviderFailed)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
