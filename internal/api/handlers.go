package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"dispatchd/internal/apperrors"
	"dispatchd/internal/cache"
	"dispatchd/internal/engine"
	"dispatchd/internal/model"
)

type Handler struct {
	eng      *engine.Engine
	receipts cache.ReceiptCache
}

// NewHandler builds the ops surface. receipts may be nil when the receipt
// cache is disabled; the lookup endpoint then answers 404 for every job.
func NewHandler(e *engine.Engine, receipts cache.ReceiptCache) *Handler {
	return &Handler{eng: e, receipts: receipts}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) EngineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"running": h.eng.IsRunning()})
}

func (h *Handler) EngineStart(w http.ResponseWriter, r *http.Request) {
	h.eng.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.eng.IsRunning()})
}

func (h *Handler) EngineStop(w http.ResponseWriter, r *http.Request) {
	h.eng.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.eng.IsRunning()})
}

type contactPayload struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

type schedulePayload struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

type createDispatchRequest struct {
	OwnerID    string           `json:"ownerId"`
	ChannelID  string           `json:"channelId"`
	TemplateID *string          `json:"templateId,omitempty"`
	Name       string           `json:"name"`
	Message    string           `json:"message"`
	Speed      string           `json:"speed"`
	Schedule   *schedulePayload `json:"schedule,omitempty"`
	Contacts   []contactPayload `json:"contacts"`
}

type statsPayload struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

type dispatchPayload struct {
	ID          string           `json:"id"`
	OwnerID     string           `json:"ownerId"`
	ChannelID   string           `json:"channelId"`
	TemplateID  *string          `json:"templateId,omitempty"`
	Name        string           `json:"name"`
	Message     string           `json:"message"`
	Speed       string           `json:"speed"`
	Schedule    *schedulePayload `json:"schedule,omitempty"`
	Status      string           `json:"status"`
	Stats       statsPayload     `json:"stats"`
	CreatedAt   time.Time        `json:"createdAt"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

type jobPayload struct {
	ID          string     `json:"id"`
	Phone       string     `json:"phone"`
	DisplayName string     `json:"displayName"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	MessageID   *string    `json:"messageId,omitempty"`
	LastError   *string    `json:"lastError,omitempty"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

func toDispatchPayload(d *model.Dispatch) dispatchPayload {
	p := dispatchPayload{
		ID:         d.ID,
		OwnerID:    d.OwnerID,
		ChannelID:  d.ChannelID,
		TemplateID: d.TemplateID,
		Name:       d.Name,
		Message:    d.Message,
		Speed:      string(d.Settings.Speed),
		Status:     string(d.Status),
		Stats: statsPayload{
			Total:   d.Stats.Total,
			Sent:    d.Stats.Sent,
			Failed:  d.Stats.Failed,
			Pending: d.Stats.Pending,
		},
		CreatedAt:   d.CreatedAt,
		StartedAt:   d.StartedAt,
		CompletedAt: d.CompletedAt,
	}
	if d.Schedule != nil {
		p.Schedule = &schedulePayload{Start: d.Schedule.Start, End: d.Schedule.End}
	}
	return p
}

func toJobPayload(j model.Job) jobPayload {
	return jobPayload{
		ID:          j.ID,
		Phone:       j.Phone,
		DisplayName: j.DisplayName,
		Status:      string(j.Status),
		Attempts:    j.Attempts,
		MessageID:   j.MessageID,
		LastError:   j.LastError,
		ScheduledAt: j.ScheduledAt,
	}
}

func (h *Handler) CreateDispatch(w http.ResponseWriter, r *http.Request) {
	var req createDispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	contacts := make([]model.Contact, 0, len(req.Contacts))
	for _, c := range req.Contacts {
		contacts = append(contacts, model.Contact{Phone: c.Phone, Name: c.Name})
	}

	params := engine.CreateParams{
		OwnerID:    req.OwnerID,
		ChannelID:  req.ChannelID,
		TemplateID: req.TemplateID,
		Name:       req.Name,
		Message:    req.Message,
		Settings:   model.Settings{Speed: model.Speed(req.Speed)},
		Contacts:   contacts,
	}
	if req.Schedule != nil {
		params.Schedule = &model.Schedule{Start: req.Schedule.Start, End: req.Schedule.End}
	}

	d, err := h.eng.CreateDispatch(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toDispatchPayload(d))
}

func (h *Handler) GetDispatch(w http.ResponseWriter, r *http.Request) {
	d, err := h.eng.GetDispatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDispatchPayload(d))
}

func (h *Handler) ListDispatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseInt(q.Get("limit"), 50)
	offset := parseInt(q.Get("offset"), 0)

	items, err := h.eng.ListDispatches(r.Context(),
		q.Get("ownerId"), model.DispatchStatus(q.Get("status")), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	payload := make([]dispatchPayload, 0, len(items))
	for i := range items {
		payload = append(payload, toDispatchPayload(&items[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": payload})
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseInt(q.Get("limit"), 100)
	offset := parseInt(q.Get("offset"), 0)

	id := r.PathValue("id")
	if _, err := h.eng.GetDispatch(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	jobs, err := h.eng.ListJobs(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	payload := make([]jobPayload, 0, len(jobs))
	for _, j := range jobs {
		payload = append(payload, toJobPayload(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": payload})
}

func (h *Handler) GetJobReceipt(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	if h.receipts == nil {
		http.Error(w, "no receipt for job "+jobID, http.StatusNotFound)
		return
	}

	receipt, err := h.receipts.GetReceipt(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if receipt == nil {
		http.Error(w, "no receipt for job "+jobID, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":            jobID,
		"gatewayMessageId": receipt.GatewayMessageID,
		"sentAt":           receipt.SentAt,
	})
}

func (h *Handler) StartDispatch(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.eng.StartDispatch)
}

func (h *Handler) PauseDispatch(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.eng.PauseDispatch)
}

func (h *Handler) ResumeDispatch(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.eng.ResumeDispatch)
}

func (h *Handler) DeleteDispatch(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.DeleteDispatch(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lifecycle runs one of the start/pause/resume transitions and replies with
// the fresh dispatch state.
func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	id := r.PathValue("id")
	if err := op(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	d, err := h.eng.GetDispatch(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDispatchPayload(d))
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

// writeError maps the error taxonomy onto HTTP statuses: bad input is 400,
// unknown ids are 404, lifecycle conflicts are 409, the rest is 500.
func writeError(w http.ResponseWriter, err error) {
	var ve *apperrors.ValidationError
	if errors.As(err, &ve) {
		http.Error(w, ve.Error(), http.StatusBadRequest)
		return
	}
	var nf *apperrors.NotFoundError
	if errors.As(err, &nf) {
		http.Error(w, nf.Error(), http.StatusNotFound)
		return
	}
	var is *apperrors.InvalidStateError
	if errors.As(err, &is) {
		http.Error(w, is.Error(), http.StatusConflict)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
