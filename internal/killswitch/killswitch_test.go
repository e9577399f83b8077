package killswitch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/lead-automation/internal/model"
)

type fakeStore struct {
	mu      sync.Mutex
	state   model.KillSwitchState
	loadErr error
	saveErr error
	loads   atomic.Int32
	gate    chan struct{}
	// read and stall hold a load after it has read the row.
	read  chan struct{}
	stall chan struct{}
}

func (f *fakeStore) LoadKillSwitch(context.Context) (model.KillSwitchState, error) {
	f.loads.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	st, err := f.state, f.loadErr
	f.mu.Unlock()
	if f.stall != nil {
		close(f.read)
		<-f.stall
	}
	return st, err
}

func (f *fakeStore) SaveKillSwitch(_ context.Context, st model.KillSwitchState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.state = st
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestFailsClosedUntilFirstLoad(t *testing.T) {
	store := &fakeStore{loadErr: errors.New("db down")}
	sw := New(store, nil, time.Minute)

	disabled, reason := sw.IsDisabled(context.Background())
	assert.True(t, disabled)
	assert.Equal(t, ReasonUnavailable, reason)

	store.loadErr = nil
	disabled, _ = sw.IsDisabled(context.Background())
	assert.False(t, disabled)
}

func TestKeepsCachedValueOnLaterLoadFailure(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	store := &fakeStore{}
	sw := New(store, nil, time.Minute).WithClock(c.now)

	disabled, _ := sw.IsDisabled(context.Background())
	require.False(t, disabled)

	store.loadErr = errors.New("db down")
	c.t = c.t.Add(2 * time.Minute)

	disabled, _ = sw.IsDisabled(context.Background())
	assert.False(t, disabled)
	assert.Equal(t, int32(2), store.loads.Load())
}

func TestRefreshIsLazyWithinMaxAge(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	store := &fakeStore{}
	sw := New(store, nil, time.Minute).WithClock(c.now)

	sw.IsDisabled(context.Background())
	c.t = c.t.Add(30 * time.Second)
	sw.IsDisabled(context.Background())
	assert.Equal(t, int32(1), store.loads.Load())

	store.state = model.KillSwitchState{Disabled: true, Reason: "set elsewhere"}
	c.t = c.t.Add(time.Minute)
	disabled, reason := sw.IsDisabled(context.Background())
	assert.True(t, disabled)
	assert.Equal(t, "set elsewhere", reason)
}

func TestDisableAppliesLocallyWhenWriteFails(t *testing.T) {
	store := &fakeStore{}
	sw := New(store, nil, time.Minute)
	require.NoError(t, sw.Refresh(context.Background()))

	store.saveErr = errors.New("db down")
	_, err := sw.Disable(context.Background(), "carrier incident", "ops")
	require.Error(t, err)
	assert.Equal(t, model.KindStorage, model.KindOf(err))

	disabled, reason := sw.IsDisabled(context.Background())
	assert.True(t, disabled)
	assert.Equal(t, "carrier incident", reason)

	require.NoError(t, sw.Refresh(context.Background()))
	disabled, _ = sw.IsDisabled(context.Background())
	assert.True(t, disabled, "a refresh must not undo an unpersisted disable")
}

func TestEnableOnlyAfterSuccessfulWrite(t *testing.T) {
	store := &fakeStore{}
	pub := &capture{}
	sw := New(store, pub, time.Minute)

	_, err := sw.Disable(context.Background(), "manual", "ops")
	require.NoError(t, err)

	store.saveErr = errors.New("db down")
	_, err = sw.Enable(context.Background(), "ops")
	require.Error(t, err)
	disabled, _ := sw.IsDisabled(context.Background())
	assert.True(t, disabled)

	store.saveErr = nil
	_, err = sw.Enable(context.Background(), "ops")
	require.NoError(t, err)
	disabled, _ = sw.IsDisabled(context.Background())
	assert.False(t, disabled)

	require.Len(t, pub.events, 2)
	assert.Equal(t, model.EventKillSwitchOff, pub.events[0].Type)
	assert.Equal(t, "manual", pub.events[0].Detail["reason"])
	assert.Equal(t, model.EventKillSwitchOn, pub.events[1].Type)
}

func TestConcurrentRefreshSharesOneLoad(t *testing.T) {
	store := &fakeStore{gate: make(chan struct{})}
	sw := New(store, nil, time.Minute)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sw.Refresh(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return store.loads.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	assert.Less(t, store.loads.Load(), int32(8))
	_, loaded := sw.State()
	assert.True(t, loaded)
}

func TestDisableSurvivesRefreshAlreadyInFlight(t *testing.T) {
	store := &fakeStore{read: make(chan struct{}), stall: make(chan struct{})}
	sw := New(store, nil, time.Minute)

	done := make(chan error, 1)
	go func() { done <- sw.Refresh(context.Background()) }()
	<-store.read

	_, err := sw.Disable(context.Background(), "carrier incident", "admin1")
	require.NoError(t, err)

	close(store.stall)
	require.NoError(t, <-done)

	disabled, reason := sw.IsDisabled(context.Background())
	assert.True(t, disabled)
	assert.Equal(t, "carrier incident", reason)
}

func TestRepeatedDisableKeepsOriginalActorAndTime(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	store := &fakeStore{}
	pub := &capture{}
	sw := New(store, pub, time.Minute).WithClock(c.now)

	first, err := sw.Disable(context.Background(), "carrier incident", "admin1")
	require.NoError(t, err)

	c.t = c.t.Add(5 * time.Minute)
	second, err := sw.Disable(context.Background(), "again", "admin2")
	require.NoError(t, err)

	require.NotNil(t, second.DisabledAt)
	assert.Equal(t, *first.DisabledAt, *second.DisabledAt)
	assert.Equal(t, "admin1", second.DisabledBy)
	assert.Equal(t, "carrier incident", second.Reason)
	assert.Equal(t, "admin2", second.UpdatedBy)
	assert.Equal(t, "admin1", store.state.DisabledBy)
	assert.Len(t, pub.events, 1)
}

type capture struct {
	events []model.AuditEvent
}

func (c *capture) Publish(_ context.Context, ev model.AuditEvent) error {
	c.events = append(c.events, ev)
	return nil
}
