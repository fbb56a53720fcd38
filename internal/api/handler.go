// Package api exposes the decision engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"riskgate/internal/engine"
	"riskgate/internal/replay"
	"riskgate/internal/schema"
	"riskgate/internal/storage"
)

// Handler serves the decision API.
type Handler struct {
	engine     *engine.Engine
	replayer   *replay.Replayer
	decisions  *storage.DecisionStore // nil when storage is disabled
	maxPayload int64
	startTime  time.Time
}

// NewHandler creates an API handler. decisions may be nil; the history
// endpoint then reports 503.
func NewHandler(eng *engine.Engine, replayer *replay.Replayer, decisions *storage.DecisionStore) *Handler {
	return &Handler{
		engine:     eng,
		replayer:   replayer,
		decisions:  decisions,
		maxPayload: 10 * 1024 * 1024, // 10MB
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum request payload size.
func (h *Handler) WithMaxPayload(size int64) *Handler {
	h.maxPayload = size
	return h
}

// Routes returns the API route table.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/decisions", h.HandleDecision)
	mux.HandleFunc("POST /v1/decisions/batch", h.HandleBatch)
	mux.HandleFunc("GET /v1/principals/{id}/decisions", h.HandleHistory)
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /metrics", h.Metrics)
	return mux
}

// EventInput is the request body for single-event evaluation.
type EventInput struct {
	EventID          *uuid.UUID       `json:"event_id,omitempty"`
	PrincipalID      string           `json:"principal_id"`
	EventType        schema.EventType `json:"event_type"`
	Timestamp        time.Time        `json:"timestamp"`
	DeviceID         string           `json:"device_id,omitempty"`
	Amount           *float64         `json:"amount,omitempty"`
	MerchantCategory string           `json:"merchant_category,omitempty"`
	SourceIP         string           `json:"source_ip,omitempty"`
	GeoLocation      string           `json:"geo_location,omitempty"`
	Channel          string           `json:"channel,omitempty"`
}

// HandleDecision handles POST /v1/decisions.
func (h *Handler) HandleDecision(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayload)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var input EventInput
	if err := json.Unmarshal(body, &input); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return
	}

	event := h.convertInput(input)

	decision, err := h.engine.Evaluate(r.Context(), event)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrEventRejected):
			respondError(w, http.StatusUnprocessableEntity, err.Error(), requestID)
		case errors.Is(err, engine.ErrEngineStopped):
			respondError(w, http.StatusServiceUnavailable, "engine is shutting down", requestID)
		default:
			respondError(w, http.StatusInternalServerError, "evaluation failed", requestID)
		}
		return
	}

	respondJSON(w, http.StatusOK, decision)
}

// convertInput converts an EventInput to a canonical Event.
func (h *Handler) convertInput(input EventInput) *schema.Event {
	event := &schema.Event{
		PrincipalID:      input.PrincipalID,
		EventType:        input.EventType,
		Timestamp:        input.Timestamp,
		DeviceID:         input.DeviceID,
		Amount:           input.Amount,
		MerchantCategory: input.MerchantCategory,
		SourceIP:         input.SourceIP,
		GeoLocation:      input.GeoLocation,
		Channel:          input.Channel,
		SchemaVersion:    schema.SchemaVersionCurrent,
		ReceivedAt:       time.Now().UTC(),
	}

	if input.EventID != nil {
		event.EventID = *input.EventID
	} else {
		event.EventID = uuid.New()
	}

	return event
}

// HandleBatch handles POST /v1/decisions/batch. The body is a CSV with
// a header row; multipart uploads use the "file" form field.
func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayload)

	var src io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			respondError(w, http.StatusBadRequest, "missing file field", requestID)
			return
		}
		defer file.Close()
		src = file
	}

	result, err := h.replayer.Run(r.Context(), src)
	if err != nil {
		switch {
		case errors.Is(err, replay.ErrEmptyInput):
			respondError(w, http.StatusBadRequest, "empty csv input", requestID)
		case errors.Is(err, replay.ErrMissingColumns):
			respondError(w, http.StatusBadRequest, err.Error(), requestID)
		default:
			respondError(w, http.StatusInternalServerError, "batch evaluation failed", requestID)
		}
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// HandleHistory handles GET /v1/principals/{id}/decisions.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	if h.decisions == nil {
		respondError(w, http.StatusServiceUnavailable, "decision history storage is disabled", requestID)
		return
	}

	principalID := r.PathValue("id")
	if principalID == "" {
		respondError(w, http.StatusBadRequest, "missing principal id", requestID)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			respondError(w, http.StatusBadRequest, "limit must be an integer in [1,1000]", requestID)
			return
		}
		limit = n
	}

	decisions, err := h.decisions.RecentForPrincipal(r.Context(), principalID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history query failed", requestID)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"principal_id": principalID,
		"decisions":    decisions,
		"count":        len(decisions),
	})
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.Stats()

	resp := map[string]any{
		"status":         "healthy",
		"evaluated":      stats["evaluated"],
		"principals":     stats["principals"],
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	}

	respondJSON(w, http.StatusOK, resp)
}

// Metrics handles GET /metrics (Prometheus format).
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.Stats()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	counter := func(name, help string, key string) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
		fmt.Fprintf(w, "%s %v\n\n", name, stats[key])
	}
	gauge := func(name, help string, value any) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		fmt.Fprintf(w, "%s %v\n\n", name, value)
	}

	counter("riskgate_decisions_total", "Total events evaluated", "evaluated")
	counter("riskgate_rejected_total", "Total events rejected by validation", "rejected")
	counter("riskgate_allowed_total", "Total ALLOW decisions", "allowed")
	counter("riskgate_stepup_total", "Total STEP_UP decisions", "step_ups")
	counter("riskgate_blocked_total", "Total BLOCK decisions", "blocked")
	counter("riskgate_handler_dropped_total", "Decisions dropped from the handler queue", "dropped")

	gauge("riskgate_principals", "Tracked principal profiles", stats["principals"])
	gauge("riskgate_trust_records", "Tracked trust records", stats["trust_records"])
	gauge("riskgate_decision_queue_depth", "Pending handler dispatch queue depth", stats["decision_queue"])
	gauge("riskgate_uptime_seconds", "Uptime in seconds", int(time.Since(h.startTime).Seconds()))
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	resp := map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	}
	respondJSON(w, status, resp)
}
