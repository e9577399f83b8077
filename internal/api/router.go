package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LeventeLantos/lead-automation/internal/metrics"
)

func Router(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/v1/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/scheduler", func(r chi.Router) {
		r.Get("/status", h.SchedulerStatus)
		r.Post("/start", h.SchedulerStart)
		r.Post("/stop", h.SchedulerStop)
	})

	r.Post("/v1/automation/run", h.RunCycle)
	r.Post("/v1/queue/repair", h.RepairQueue)

	r.Route("/v1/killswitch", func(r chi.Router) {
		r.Get("/", h.KillSwitchState)
		r.Post("/disable", h.KillSwitchDisable)
		r.Post("/enable", h.KillSwitchEnable)
	})

	r.Post("/v1/webhooks/inbound", h.InboundWebhook)
	r.Post("/v1/webhooks/status", h.StatusWebhook)
	r.Post("/v1/consent", h.RecordConsent)

	r.Route("/v1/leads/{leadID}", func(r chi.Router) {
		r.Get("/", h.GetLead)
		r.Post("/opt-in", h.OptIn)
		r.Post("/pause", h.Pause)
		r.Post("/resume", h.Resume)
		r.Post("/close", h.Close)
	})

	r.Get("/v1/attempts", h.ListAttempts)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("lead-automation"))
	})

	return r
}
