package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/LeventeLantos/lead-automation/internal/engine"
	"github.com/LeventeLantos/lead-automation/internal/metrics"
	"github.com/LeventeLantos/lead-automation/internal/model"
	"github.com/LeventeLantos/lead-automation/internal/repo"
)

type MonitorConfig struct {
	StaleThreshold time.Duration
	UnpauseAfter   time.Duration
	JitterWindow   time.Duration
	Penalty        int
	ScanLimit      int
}

type RepairReport struct {
	OverdueFound int      `json:"overdueFound"`
	Rescheduled  int      `json:"rescheduled"`
	Unpaused     int      `json:"unpaused"`
	StillActive  int      `json:"stillActive"`
	HealthScore  int      `json:"healthScore"`
	Errors       []string `json:"errors,omitempty"`
}

// Monitor finds leads the runner has fallen behind on and spreads them back
// over the send window so they do not all fire in the same cycle.
type Monitor struct {
	schedules repo.ScheduleRepository
	engine    *engine.Engine
	lifecycle *Lifecycle
	cfg       MonitorConfig
	rand      func() float64
	tracer    trace.Tracer
}

func NewMonitor(schedules repo.ScheduleRepository, eng *engine.Engine, lifecycle *Lifecycle, cfg MonitorConfig) *Monitor {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 2 * time.Hour
	}
	if cfg.JitterWindow <= 0 {
		cfg.JitterWindow = 2 * time.Hour
	}
	if cfg.Penalty <= 0 {
		cfg.Penalty = 5
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 500
	}
	return &Monitor{
		schedules: schedules,
		engine:    eng,
		lifecycle: lifecycle,
		cfg:       cfg,
		rand:      rand.Float64,
		tracer:    otel.Tracer("lead-automation"),
	}
}

// WithRand replaces the jitter source; f must return values in [0, 1).
func (m *Monitor) WithRand(f func() float64) *Monitor {
	m.rand = f
	return m
}

func (m *Monitor) AuditAndRepair(ctx context.Context, now time.Time) (RepairReport, error) {
	ctx, span := m.tracer.Start(ctx, "AuditAndRepair")
	defer span.End()

	started := time.Now()
	defer func() { metrics.ObserveCycle("monitor", time.Since(started)) }()

	var report RepairReport

	overdue, err := m.schedules.ListOverdue(ctx, now.Add(-m.cfg.StaleThreshold), m.cfg.ScanLimit)
	if err != nil {
		return report, storageErr("list overdue schedules", err)
	}
	report.OverdueFound = len(overdue)

	offsets := m.offsets(len(overdue))
	for i, s := range overdue {
		offset := offsets[i]
		_, changed, err := mutate(ctx, m.schedules, s.LeadID, func(cur model.LeadSchedule) (model.LeadSchedule, error) {
			// Another writer may have fixed it since the scan.
			if !m.engine.IsOverdue(cur, now, m.cfg.StaleThreshold) {
				return cur, nil
			}
			return m.engine.Repair(cur, now, offset), nil
		})
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("reschedule lead %s: %v", s.LeadID, err))
			continue
		}
		if changed {
			report.Rescheduled++
			m.lifecycle.publish(ctx, model.AuditEvent{
				Type:   model.EventScheduleRepair,
				LeadID: s.LeadID,
				Actor:  "queue_health_monitor",
				Detail: map[string]string{"offset": offset.String()},
			})
		}
	}

	if m.cfg.UnpauseAfter > 0 {
		stale, err := m.schedules.ListPaused(ctx, model.PauseStale, now.Add(-m.cfg.UnpauseAfter), m.cfg.ScanLimit)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("list stale paused: %v", err))
		}
		for _, s := range stale {
			if _, err := m.lifecycle.Resume(ctx, s.LeadID, "queue_health_monitor"); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("unpause lead %s: %v", s.LeadID, err))
				continue
			}
			report.Unpaused++
		}
	}

	active, err := m.schedules.CountActive(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("count active: %v", err))
	}
	report.StillActive = active
	report.HealthScore = HealthScore(report.OverdueFound, m.cfg.Penalty)

	metrics.RecordRepair("rescheduled", report.Rescheduled)
	metrics.RecordRepair("unpaused", report.Unpaused)
	metrics.SetQueueHealth(report.OverdueFound, report.HealthScore)
	metrics.SetActiveLeads(active)

	span.SetAttributes(
		attribute.Int("queue.overdue", report.OverdueFound),
		attribute.Int("queue.health_score", report.HealthScore),
	)
	if report.OverdueFound > 0 || len(report.Errors) > 0 {
		slog.Warn("queue health repaired",
			"overdue", report.OverdueFound,
			"rescheduled", report.Rescheduled,
			"unpaused", report.Unpaused,
			"score", report.HealthScore,
			"errors", len(report.Errors),
		)
	}
	return report, nil
}

// offsets spreads n leads over the jitter window: lead i lands somewhere in
// the i-th of n equal slots, so offsets are strictly increasing.
func (m *Monitor) offsets(n int) []time.Duration {
	out := make([]time.Duration, n)
	if n == 0 {
		return out
	}
	slot := m.cfg.JitterWindow / time.Duration(n)
	for i := range out {
		jitter := time.Duration(m.rand() * float64(slot))
		if slot > 1 && jitter >= slot {
			jitter = slot - 1
		}
		out[i] = time.Duration(i)*slot + jitter
	}
	return out
}

// HealthScore is 100 minus penalty per overdue lead, floored at zero.
func HealthScore(overdue, penalty int) int {
	return max(0, 100-penalty*overdue)
}
