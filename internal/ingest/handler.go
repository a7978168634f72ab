// Package ingest accepts metric samples over HTTP and Kafka and feeds
// them into the sample queue.
package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"guardpost/internal/metrics"
	"guardpost/internal/queue"
	"guardpost/internal/schema"
)

// Handler handles HTTP sample ingestion.
type Handler struct {
	validator  *schema.Validator
	queue      *queue.SampleQueue
	maxPayload int
	maxBatch   int
	startTime  time.Time
}

// NewHandler creates a new ingest Handler.
func NewHandler(validator *schema.Validator, q *queue.SampleQueue) *Handler {
	return &Handler{
		validator:  validator,
		queue:      q,
		maxPayload: 4 * 1024 * 1024,
		maxBatch:   1000,
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum request body size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum samples per request.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// RegisterRoutes registers ingestion routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/samples", h.HandleSamples)
	mux.HandleFunc("GET /health", h.HealthCheck)
}

// IngestResponse is the response for sample ingestion.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// HandleSamples handles POST /v1/samples. The body is either a single
// sample object or an array of samples. Invalid samples are rejected
// individually; one bad sample never fails a batch.
func (h *Handler) HandleSamples(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if err.Error() == "http: request body too large" {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	samples, err := decodeSamples(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}
	if len(samples) == 0 {
		respondError(w, http.StatusBadRequest, "no samples provided", requestID)
		return
	}
	if len(samples) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	var accepted, rejected int
	var errs []string
	for i := range samples {
		if err := h.Submit(&samples[i]); err != nil {
			rejected++
			errs = append(errs, fmt.Sprintf("sample[%d]: %s", i, err.Error()))
		} else {
			accepted++
		}
	}

	resp := IngestResponse{
		Success:   rejected == 0,
		Accepted:  accepted,
		Rejected:  rejected,
		Errors:    errs,
		RequestID: requestID,
	}

	status := http.StatusAccepted
	if accepted == 0 {
		status = http.StatusBadRequest
	} else if rejected > 0 {
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, resp)
}

// Submit validates one sample and enqueues it. A zero timestamp is
// stamped with the receive time before validation.
func (h *Handler) Submit(sample *schema.MetricSample) error {
	return h.submit(sample, "http")
}

func (h *Handler) submit(sample *schema.MetricSample, path string) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}
	if err := h.validator.Validate(sample); err != nil {
		metrics.SamplesRejected.WithLabelValues(path, "validation").Inc()
		return err
	}
	if err := h.queue.Push(*sample); err != nil {
		metrics.SamplesRejected.WithLabelValues(path, "queue_full").Inc()
		return err
	}
	metrics.SamplesIngested.WithLabelValues(path).Inc()
	return nil
}

func decodeSamples(body []byte) ([]schema.MetricSample, error) {
	var batch []schema.MetricSample
	if err := json.Unmarshal(body, &batch); err == nil {
		return batch, nil
	}
	var single schema.MetricSample
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("invalid JSON: expected a sample object or array: %w", err)
	}
	return []schema.MetricSample{single}, nil
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	m := h.queue.Metrics()

	status := "healthy"
	if m.Depth > int(float64(m.Capacity)*0.9) {
		status = "degraded"
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"queue_depth":    m.Depth,
		"queue_capacity": m.Capacity,
		"queue_dropped":  m.Dropped,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	respondJSON(w, status, map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	})
}
