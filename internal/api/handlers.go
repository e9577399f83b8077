package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/LeventeLantos/lead-automation/internal/model"
	"github.com/LeventeLantos/lead-automation/internal/scheduler"
	"github.com/LeventeLantos/lead-automation/internal/service"
)

const maxBodyBytes = 1 << 20

type CycleRunner interface {
	RunCycle(ctx context.Context, now time.Time, limit int) (service.CycleReport, error)
}

type QueueRepairer interface {
	AuditAndRepair(ctx context.Context, now time.Time) (service.RepairReport, error)
}

type KillSwitch interface {
	State() (model.KillSwitchState, bool)
	Disable(ctx context.Context, reason, actor string) (model.KillSwitchState, error)
	Enable(ctx context.Context, actor string) (model.KillSwitchState, error)
}

type LeadCommands interface {
	OptIn(ctx context.Context, leadID, actor string) (model.LeadSchedule, error)
	Pause(ctx context.Context, leadID string, reason model.PauseReason, actor string) (model.LeadSchedule, error)
	Resume(ctx context.Context, leadID, actor string) (model.LeadSchedule, error)
	Close(ctx context.Context, leadID string, reason model.PauseReason, actor string) (model.LeadSchedule, error)
	Get(ctx context.Context, leadID string) (model.LeadSchedule, error)
}

type InboundHandler interface {
	OnInboundMessage(ctx context.Context, leadID string, ch model.Channel, text string) (service.InboundResult, error)
	OnDeliveryStatus(ctx context.Context, providerMessageID string, status model.ProviderStatus) (model.DeliveryAttempt, error)
}

type ConsentRecorder interface {
	RecordConsent(ctx context.Context, rec model.ConsentRecord) (model.ConsentRecord, error)
}

type AttemptLister interface {
	ListAttempts(ctx context.Context, leadID string, limit, offset int) ([]model.DeliveryAttempt, error)
}

type Deps struct {
	Schedulers []*scheduler.Scheduler
	Runner     CycleRunner
	Monitor    QueueRepairer
	KillSwitch KillSwitch
	Leads      LeadCommands
	Inbound    InboundHandler
	Consent    ConsentRecorder
	Attempts   AttemptLister
	Now        func() time.Time
}

type Handler struct {
	d        Deps
	validate *validator.Validate
}

func NewHandler(d Deps) *Handler {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Handler{d: d, validate: validator.New()}
}

type inboundRequest struct {
	LeadID  string        `json:"leadId" validate:"required"`
	Channel model.Channel `json:"channel" validate:"omitempty,oneof=sms email"`
	Text    string        `json:"text" validate:"required"`
}

type statusRequest struct {
	MessageID string               `json:"messageId" validate:"required"`
	Status    model.ProviderStatus `json:"status" validate:"required,oneof=queued sent delivered undelivered failed"`
}

type consentRequest struct {
	LeadID     string        `json:"leadId" validate:"required"`
	Channel    model.Channel `json:"channel" validate:"required,oneof=sms email"`
	Granted    *bool         `json:"granted" validate:"required"`
	Method     string        `json:"method" validate:"required"`
	Text       string        `json:"text"`
	CapturedAt *time.Time    `json:"capturedAt"`
}

type killSwitchRequest struct {
	Actor  string `json:"actor" validate:"required"`
	Reason string `json:"reason"`
}

type leadCommandRequest struct {
	Actor  string            `json:"actor" validate:"required"`
	Reason model.PauseReason `json:"reason" validate:"omitempty,oneof=manual stale closed_won closed_lost"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st, loaded := h.d.KillSwitch.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                 true,
		"automationDisabled": st.Disabled || !loaded,
	})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"schedulers": h.statuses(r)})
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	for _, s := range h.selected(r) {
		s.Start()
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedulers": h.statuses(r)})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	for _, s := range h.selected(r) {
		s.Stop()
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedulers": h.statuses(r)})
}

func (h *Handler) RunCycle(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 0)

	report, err := h.d.Runner.RunCycle(r.Context(), h.d.Now(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) RepairQueue(w http.ResponseWriter, r *http.Request) {
	report, err := h.d.Monitor.AuditAndRepair(r.Context(), h.d.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) KillSwitchState(w http.ResponseWriter, r *http.Request) {
	st, loaded := h.d.KillSwitch.State()
	writeJSON(w, http.StatusOK, map[string]any{"state": st, "loaded": loaded})
}

func (h *Handler) KillSwitchDisable(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "reason is required"})
		return
	}

	st, err := h.d.KillSwitch.Disable(r.Context(), req.Reason, req.Actor)
	if err != nil {
		// The local process is stopped even when the flag did not persist.
		slog.Error("kill switch disable not persisted", "actor", req.Actor, "err", err)
		writeJSON(w, http.StatusAccepted, map[string]any{"state": st, "persisted": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": st, "persisted": true})
}

func (h *Handler) KillSwitchEnable(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if !h.decode(w, r, &req) {
		return
	}

	st, err := h.d.KillSwitch.Enable(r.Context(), req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": st, "persisted": true})
}

func (h *Handler) InboundWebhook(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Channel == "" {
		req.Channel = model.ChannelSMS
	}

	res, err := h.d.Inbound.OnInboundMessage(r.Context(), req.LeadID, req.Channel, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) StatusWebhook(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}

	a, err := h.d.Inbound.OnDeliveryStatus(r.Context(), req.MessageID, req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) RecordConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if !h.decode(w, r, &req) {
		return
	}

	rec := model.ConsentRecord{
		LeadID:  req.LeadID,
		Channel: req.Channel,
		Granted: *req.Granted,
		Method:  req.Method,
		Text:    req.Text,
	}
	if req.CapturedAt != nil {
		rec.CapturedAt = req.CapturedAt.UTC()
	}

	out, err := h.d.Consent.RecordConsent(r.Context(), rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) GetLead(w http.ResponseWriter, r *http.Request) {
	s, err := h.d.Leads.Get(r.Context(), chi.URLParam(r, "leadID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) OptIn(w http.ResponseWriter, r *http.Request) {
	h.leadCommand(w, r, func(ctx context.Context, leadID string, req leadCommandRequest) (model.LeadSchedule, error) {
		return h.d.Leads.OptIn(ctx, leadID, req.Actor)
	})
}

func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.leadCommand(w, r, func(ctx context.Context, leadID string, req leadCommandRequest) (model.LeadSchedule, error) {
		reason := req.Reason
		if reason == "" {
			reason = model.PauseManual
		}
		return h.d.Leads.Pause(ctx, leadID, reason, req.Actor)
	})
}

func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.leadCommand(w, r, func(ctx context.Context, leadID string, req leadCommandRequest) (model.LeadSchedule, error) {
		return h.d.Leads.Resume(ctx, leadID, req.Actor)
	})
}

func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	h.leadCommand(w, r, func(ctx context.Context, leadID string, req leadCommandRequest) (model.LeadSchedule, error) {
		if !req.Reason.IsClosed() {
			return model.LeadSchedule{}, errBadRequest("reason must be closed_won or closed_lost")
		}
		return h.d.Leads.Close(ctx, leadID, req.Reason, req.Actor)
	})
}

func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseInt(q.Get("limit"), 50)
	offset := parseInt(q.Get("offset"), 0)

	items, err := h.d.Attempts.ListAttempts(r.Context(), q.Get("leadId"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) leadCommand(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, leadID string, req leadCommandRequest) (model.LeadSchedule, error),
) {
	var req leadCommandRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, err := fn(r.Context(), chi.URLParam(r, "leadID"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) selected(r *http.Request) []*scheduler.Scheduler {
	name := r.URL.Query().Get("name")
	if name == "" {
		return h.d.Schedulers
	}
	var out []*scheduler.Scheduler
	for _, s := range h.d.Schedulers {
		if s.Status().Name == name {
			out = append(out, s)
		}
	}
	return out
}

func (h *Handler) statuses(r *http.Request) []scheduler.Status {
	out := make([]scheduler.Status, 0, len(h.d.Schedulers))
	for _, s := range h.selected(r) {
		out = append(out, s.Status())
	}
	return out
}

// decode reads and validates a JSON body, answering 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json: " + err.Error()})
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return false
	}
	return true
}

type badRequest string

func (e badRequest) Error() string { return string(e) }

func errBadRequest(msg string) error { return badRequest(msg) }

func statusFor(err error) int {
	var br badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrClosed),
		errors.Is(err, model.ErrOptedOut),
		errors.Is(err, model.ErrNotOptedIn),
		errors.Is(err, model.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	switch model.KindOf(err) {
	case model.KindStorage:
		return http.StatusServiceUnavailable
	case model.KindConsentDenied:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "err", err)
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "err", err)
	}
}
