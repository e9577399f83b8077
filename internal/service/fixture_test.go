package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/lead-automation/internal/cache"
	"github.com/LeventeLantos/lead-automation/internal/consent"
	"github.com/LeventeLantos/lead-automation/internal/engine"
	"github.com/LeventeLantos/lead-automation/internal/events"
	"github.com/LeventeLantos/lead-automation/internal/killswitch"
	"github.com/LeventeLantos/lead-automation/internal/model"
	"github.com/LeventeLantos/lead-automation/internal/repo"
	"github.com/LeventeLantos/lead-automation/internal/service"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	text  string
	fail  map[string]error
}

func (g *fakeGenerator) Generate(_ context.Context, leadID string, _ []model.ConversationMessage, extra map[string]string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls++
	if err := g.fail[leadID]; err != nil {
		return "", err
	}
	if g.text != "" {
		return g.text, nil
	}
	return fmt.Sprintf("Hi %s, still interested?", extra["firstName"]), nil
}

type sentMessage struct {
	phone string
	text  string
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sentMessage
	fail  map[string]error
	delay time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (s *fakeSender) Send(_ context.Context, phone, message string) (string, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.maxInFlight.Load()
		if n <= peak || s.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail[phone]; err != nil {
		return "", err
	}
	s.sent = append(s.sent, sentMessage{phone: phone, text: message})
	return fmt.Sprintf("msg-%d", len(s.sent)), nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// Tuesday 14:00 UTC, inside the 08-19 window.
var baseNow = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

type fixture struct {
	store     *repo.MemoryStore
	throttle  *cache.MemoryCache
	engine    *engine.Engine
	generator *fakeGenerator
	sender    *fakeSender
	switcher  *killswitch.Switch
	gate      *consent.Gate
	lifecycle *service.Lifecycle
	inbound   *service.Inbound
	monitor   *service.Monitor
	runnerCfg service.RunnerConfig

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T, opts ...func(*service.RunnerConfig)) *fixture {
	t.Helper()

	eng := mustEngine(t, engine.Policy{
		Intervals:  []time.Duration{24 * time.Hour, 48 * time.Hour},
		RetryBase:  5 * time.Minute,
		RetryCap:   6 * time.Hour,
		MinRecheck: 6 * time.Hour,
		ReplyDelay: 2 * time.Minute,
		Window:     engine.Window{StartHour: 8, EndHour: 19, Location: time.UTC},
	})

	f := &fixture{
		store:     repo.NewMemoryStore(),
		throttle:  cache.NewMemoryCache(),
		engine:    eng,
		generator: &fakeGenerator{},
		sender:    &fakeSender{},
		now:       baseNow,
		runnerCfg: service.RunnerConfig{
			BatchSize:     50,
			MaxConcurrent: 4,
			DailyLimit:    3,
			ContentMax:    160,
			SendTimeout:   time.Second,
		},
	}
	for _, opt := range opts {
		opt(&f.runnerCfg)
	}

	f.throttle.WithClock(f.clock)

	pub := events.NewStorePublisher(f.store)
	f.switcher = killswitch.New(f.store, pub, time.Millisecond)
	f.lifecycle = service.NewLifecycle(f.store, eng, pub).WithClock(f.clock)
	f.gate = consent.NewGate(f.store, f.store, f.store, f.lifecycle, pub).WithClock(f.clock)
	f.inbound = service.NewInbound(f.store, f.store, f.store, eng, f.gate).WithClock(f.clock)
	f.monitor = service.NewMonitor(f.store, eng, f.lifecycle, service.MonitorConfig{
		StaleThreshold: 2 * time.Hour,
		UnpauseAfter:   14 * 24 * time.Hour,
		JitterWindow:   2 * time.Hour,
		Penalty:        5,
		ScanLimit:      100,
	}).WithRand(func() float64 { return 0.5 })
	return f
}

func mustEngine(t *testing.T, p engine.Policy) *engine.Engine {
	t.Helper()
	eng, err := engine.New(p)
	require.NoError(t, err)
	return eng
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) setNow(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

func (f *fixture) runner() *service.Runner {
	return service.NewRunner(f.store, f.store, f.store, f.engine, f.gate, f.switcher, f.generator, f.sender, f.throttle, f.runnerCfg)
}

func (f *fixture) run(t *testing.T) service.CycleReport {
	t.Helper()
	report, err := f.runner().RunCycle(context.Background(), f.clock(), 0)
	require.NoError(t, err)
	return report
}

// seedLead creates a lead with SMS consent and opts it in at the current
// fixture time, which makes it due immediately.
func (f *fixture) seedLead(t *testing.T, id, phone string) {
	t.Helper()
	ctx := context.Background()

	f.store.PutLead(model.Lead{ID: id, Phone: phone, FirstName: "Sam"})
	_, err := f.gate.RecordConsent(ctx, model.ConsentRecord{
		LeadID:  id,
		Channel: model.ChannelSMS,
		Granted: true,
		Method:  "web_form",
	})
	require.NoError(t, err)
	_, err = f.lifecycle.OptIn(ctx, id, "crm")
	require.NoError(t, err)
}

func (f *fixture) schedule(t *testing.T, id string) model.LeadSchedule {
	t.Helper()
	s, err := f.store.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	return s
}

// seedActive stores an opted-in schedule directly, bypassing the lifecycle.
func (f *fixture) seedActive(t *testing.T, id string, nextSendAt time.Time) {
	t.Helper()
	s := model.NewLeadSchedule(id, nextSendAt.Add(-time.Hour))
	s.OptedIn = true
	s.NextSendAt = model.TimePtr(nextSendAt)
	require.NoError(t, f.store.CreateSchedule(context.Background(), s))
}

var errGeneratorDown = errors.New("generator unavailable")
