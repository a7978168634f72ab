package ingest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"guardpost/internal/queue"
	"guardpost/internal/schema"
)

func newTestHandler(queueSize int) (*Handler, *queue.SampleQueue) {
	q := queue.NewSampleQueue(queueSize)
	return NewHandler(schema.NewValidator(), q), q
}

func postSamples(t *testing.T, h *Handler, body string) (*httptest.ResponseRecorder, IngestResponse) {
	t.Helper()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	req := httptest.NewRequest("POST", "/v1/samples", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var resp IngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
	return rec, resp
}

func TestHandleSamples_Batch(t *testing.T) {
	h, q := newTestHandler(10)

	rec, resp := postSamples(t, h, `[
		{"source_id":"web-1","kind":"cpu_usage","value":95,"timestamp":"2026-08-01T12:00:00Z"},
		{"source_id":"web-2","kind":"memory_usage","value":40,"timestamp":"2026-08-01T12:00:00Z"}
	]`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	if !resp.Success || resp.Accepted != 2 || resp.Rejected != 0 {
		t.Fatalf("response = %+v", resp)
	}
	if q.Len() != 2 {
		t.Fatalf("queue depth = %d, want 2", q.Len())
	}
}

func TestHandleSamples_SingleObject(t *testing.T) {
	h, q := newTestHandler(10)

	rec, resp := postSamples(t, h, `{"source_id":"web-1","kind":"cpu_usage","value":95}`)
	if rec.Code != http.StatusAccepted || resp.Accepted != 1 {
		t.Fatalf("status=%d resp=%+v", rec.Code, resp)
	}

	// Zero timestamp is stamped at receive time.
	got := q.Drain(0)
	if len(got) != 1 || got[0].Timestamp.IsZero() {
		t.Fatalf("drained = %+v", got)
	}
}

func TestHandleSamples_PartialRejection(t *testing.T) {
	h, _ := newTestHandler(10)

	rec, resp := postSamples(t, h, `[
		{"source_id":"web-1","kind":"cpu_usage","value":95,"timestamp":"2026-08-01T12:00:00Z"},
		{"source_id":"","kind":"cpu_usage","value":95,"timestamp":"2026-08-01T12:00:00Z"},
		{"source_id":"web-3","kind":"made_up","value":1,"timestamp":"2026-08-01T12:00:00Z"}
	]`)

	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207", rec.Code)
	}
	if resp.Accepted != 1 || resp.Rejected != 2 {
		t.Fatalf("response = %+v", resp)
	}
	if len(resp.Errors) != 2 || !strings.HasPrefix(resp.Errors[0], "sample[1]:") {
		t.Fatalf("errors = %v, want per-sample positions", resp.Errors)
	}
}

func TestHandleSamples_AllRejected(t *testing.T) {
	h, _ := newTestHandler(10)
	rec, resp := postSamples(t, h, `[{"source_id":"","kind":"cpu_usage","value":1}]`)
	if rec.Code != http.StatusBadRequest || resp.Accepted != 0 {
		t.Fatalf("status=%d resp=%+v", rec.Code, resp)
	}
}

func TestHandleSamples_MalformedBody(t *testing.T) {
	h, _ := newTestHandler(10)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	req := httptest.NewRequest("POST", "/v1/samples", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleSamples_QueueFull(t *testing.T) {
	h, _ := newTestHandler(1)
	_, resp := postSamples(t, h, `[
		{"source_id":"a","kind":"cpu_usage","value":1,"timestamp":"2026-08-01T12:00:00Z"},
		{"source_id":"b","kind":"cpu_usage","value":1,"timestamp":"2026-08-01T12:00:00Z"}
	]`)
	if resp.Accepted != 1 || resp.Rejected != 1 {
		t.Fatalf("response = %+v", resp)
	}
	if !strings.Contains(resp.Errors[0], "queue is full") {
		t.Errorf("errors = %v", resp.Errors)
	}
}

func TestHandleSamples_BatchLimit(t *testing.T) {
	h, _ := newTestHandler(10)
	h.WithMaxBatch(1)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	req := httptest.NewRequest("POST", "/v1/samples", strings.NewReader(
		`[{"source_id":"a","kind":"cpu_usage","value":1},{"source_id":"b","kind":"cpu_usage","value":1}]`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	h, q := newTestHandler(10)
	for i := 0; i < 10; i++ {
		_ = q.Push(schema.MetricSample{})
	}

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded at full queue", body["status"])
	}
}
