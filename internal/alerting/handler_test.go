package alerting

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"guardpost/internal/rules"
	"guardpost/internal/schema"
)

func newTestServer(t *testing.T) (*Manager, *httptest.Server) {
	t.Helper()
	reg, err := rules.NewRegistry(rules.BuiltinPatterns(rules.DefaultThresholds()))
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(reg, 100)
	mux := http.NewServeMux()
	NewHandler(m, NewBroadcaster(), nil).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return m, srv
}

func seedAlert(m *Manager, pattern, source string, sev schema.Severity) {
	m.HandleEvent(schema.ThreatEvent{
		Fingerprint:   schema.Fingerprint{PatternID: pattern, SourceID: source},
		Severity:      sev,
		ObservedValue: 99,
		Timestamp:     time.Now().UTC(),
		Contributing:  1,
	})
	m.PublishSnapshot(time.Now().UTC())
}

func TestHandler_ListAlerts(t *testing.T) {
	m, srv := newTestServer(t)
	seedAlert(m, "cpu-abuse", "web-1", schema.SeverityMedium)
	seedAlert(m, "connection-flood", "edge", schema.SeverityHigh)

	resp, err := http.Get(srv.URL + "/v1/alerts")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Alerts []Alert `json:"alerts"`
		Total  int     `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 2 {
		t.Fatalf("total = %d, want 2", body.Total)
	}
	if body.Alerts[0].Severity != schema.SeverityHigh {
		t.Errorf("first alert severity = %s, want high", body.Alerts[0].Severity)
	}

	resp2, err := http.Get(srv.URL + "/v1/alerts?severity=medium")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var filtered struct {
		Total int `json:"total"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&filtered); err != nil {
		t.Fatal(err)
	}
	if filtered.Total != 1 {
		t.Errorf("filtered total = %d, want 1", filtered.Total)
	}

	resp3, err := http.Get(srv.URL + "/v1/alerts?severity=bogus")
	if err != nil {
		t.Fatal(err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus severity status = %d, want 400", resp3.StatusCode)
	}
}

func TestHandler_GetAlert(t *testing.T) {
	m, srv := newTestServer(t)
	seedAlert(m, "cpu-abuse", "web-1", schema.SeverityMedium)

	resp, err := http.Get(srv.URL + "/v1/alerts/cpu-abuse/web-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var a Alert
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		t.Fatal(err)
	}
	if a.Fingerprint.SourceID != "web-1" {
		t.Errorf("fingerprint = %v", a.Fingerprint)
	}

	resp2, err := http.Get(srv.URL + "/v1/alerts/cpu-abuse/no-such-host")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("missing alert status = %d, want 404", resp2.StatusCode)
	}
}

func TestHandler_AcknowledgeAndResolve(t *testing.T) {
	m, srv := newTestServer(t)
	seedAlert(m, "connection-flood", "edge", schema.SeverityHigh)

	ack, err := http.Post(srv.URL+"/v1/alerts/connection-flood/edge/acknowledge",
		"application/json", strings.NewReader(`{"user":"oncall"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer ack.Body.Close()
	if ack.StatusCode != http.StatusOK {
		t.Fatalf("ack status = %d", ack.StatusCode)
	}
	var acked Alert
	if err := json.NewDecoder(ack.Body).Decode(&acked); err != nil {
		t.Fatal(err)
	}
	if acked.Status != StatusAcknowledged || acked.AckedBy != "oncall" {
		t.Fatalf("acked = %+v", acked)
	}

	// Second ack conflicts.
	again, err := http.Post(srv.URL+"/v1/alerts/connection-flood/edge/acknowledge",
		"application/json", strings.NewReader(`{"user":"oncall"}`))
	if err != nil {
		t.Fatal(err)
	}
	again.Body.Close()
	if again.StatusCode != http.StatusConflict {
		t.Errorf("double ack status = %d, want 409", again.StatusCode)
	}

	// Missing user is rejected.
	bad, err := http.Post(srv.URL+"/v1/alerts/connection-flood/edge/resolve",
		"application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("missing user status = %d, want 400", bad.StatusCode)
	}

	res, err := http.Post(srv.URL+"/v1/alerts/connection-flood/edge/resolve",
		"application/json", strings.NewReader(`{"user":"oncall"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d", res.StatusCode)
	}

	gone, err := http.Post(srv.URL+"/v1/alerts/connection-flood/edge/resolve",
		"application/json", strings.NewReader(`{"user":"oncall"}`))
	if err != nil {
		t.Fatal(err)
	}
	gone.Body.Close()
	if gone.StatusCode != http.StatusNotFound {
		t.Errorf("resolve resolved status = %d, want 404", gone.StatusCode)
	}
}

func TestHandler_Stats(t *testing.T) {
	m, srv := newTestServer(t)
	seedAlert(m, "cpu-abuse", "web-1", schema.SeverityMedium)

	resp, err := http.Get(srv.URL + "/v1/alerts/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats["active"] != float64(1) {
		t.Errorf("active = %v, want 1", stats["active"])
	}
}
