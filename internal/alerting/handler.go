package alerting

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"guardpost/internal/schema"
)

// Handler provides HTTP handlers for alert management and the live
// update feed.
type Handler struct {
	manager     *Manager
	broadcaster *Broadcaster
	dispatcher  *Dispatcher
}

// NewHandler creates a new alert handler. broadcaster and dispatcher
// may be nil; the stream and stats endpoints degrade accordingly.
func NewHandler(manager *Manager, broadcaster *Broadcaster, dispatcher *Dispatcher) *Handler {
	return &Handler{manager: manager, broadcaster: broadcaster, dispatcher: dispatcher}
}

// RegisterRoutes registers alert routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/alerts", h.HandleListAlerts)
	mux.HandleFunc("GET /v1/alerts/stats", h.HandleStats)
	mux.HandleFunc("GET /v1/alerts/stream", h.HandleStream)
	mux.HandleFunc("GET /v1/alerts/{pattern}/{source}", h.HandleGetAlert)
	mux.HandleFunc("POST /v1/alerts/{pattern}/{source}/acknowledge", h.HandleAcknowledge)
	mux.HandleFunc("POST /v1/alerts/{pattern}/{source}/resolve", h.HandleResolve)
}

// HandleListAlerts handles GET /v1/alerts requests.
func (h *Handler) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := Filter{Limit: 100}
	if status := q.Get("status"); status != "" {
		s := Status(status)
		if !s.IsValid() {
			h.writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+status)
			return
		}
		filter.Status = s
	}
	if severity := q.Get("severity"); severity != "" {
		s := schema.Severity(severity)
		if !s.IsValid() {
			h.writeError(w, http.StatusBadRequest, "invalid_severity", "unknown severity "+severity)
			return
		}
		filter.Severity = s
	}
	filter.SourceID = q.Get("source")
	if limit := q.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = l
		}
	}

	alerts := h.manager.ListAlerts(filter)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

// HandleGetAlert handles GET /v1/alerts/{pattern}/{source} requests.
func (h *Handler) HandleGetAlert(w http.ResponseWriter, r *http.Request) {
	fp := schema.Fingerprint{
		PatternID: r.PathValue("pattern"),
		SourceID:  r.PathValue("source"),
	}
	alert, ok := h.manager.GetAlert(fp)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "no alert for "+fp.String())
		return
	}
	h.writeJSON(w, http.StatusOK, alert)
}

type actionRequest struct {
	User string `json:"user"`
}

// HandleAcknowledge handles POST /v1/alerts/{pattern}/{source}/acknowledge.
func (h *Handler) HandleAcknowledge(w http.ResponseWriter, r *http.Request) {
	fp := schema.Fingerprint{
		PatternID: r.PathValue("pattern"),
		SourceID:  r.PathValue("source"),
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "user field is required")
		return
	}

	alert, err := h.manager.Acknowledge(fp, req.User, time.Now().UTC())
	if err != nil {
		h.writeActionError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, alert)
}

// HandleResolve handles POST /v1/alerts/{pattern}/{source}/resolve.
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	fp := schema.Fingerprint{
		PatternID: r.PathValue("pattern"),
		SourceID:  r.PathValue("source"),
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "user field is required")
		return
	}

	alert, err := h.manager.Resolve(fp, req.User, time.Now().UTC())
	if err != nil {
		h.writeActionError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, alert)
}

// HandleStats handles GET /v1/alerts/stats requests.
func (h *Handler) HandleStats(w http.ResponseWriter, _ *http.Request) {
	stats := h.manager.Stats()
	if h.dispatcher != nil {
		stats["dispatch"] = h.dispatcher.Stats()
	}
	if h.broadcaster != nil {
		stats["stream"] = map[string]any{
			"subscribers": h.broadcaster.SubscriberCount(),
			"dropped":     h.broadcaster.Dropped(),
		}
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// HandleStream handles GET /v1/alerts/stream as a server-sent event
// feed of lifecycle transitions.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if h.broadcaster == nil {
		h.writeError(w, http.StatusServiceUnavailable, "stream_disabled", "live updates are not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "stream_unsupported", "response writer does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	updates, cancel := h.broadcaster.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-updates:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				slog.Error("failed to marshal stream event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}

func (h *Handler) writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAlertNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrBadTransition):
		h.writeError(w, http.StatusConflict, "bad_transition", err.Error())
	default:
		slog.Error("alert action failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal", "alert action failed")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
