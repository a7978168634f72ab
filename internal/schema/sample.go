// Package schema defines the shared data model for the Guardpost engine:
// metric samples produced by collectors, the fingerprints that identify a
// monitored condition, and the threat events derived from them.
package schema

import (
	"fmt"
	"strings"
	"time"
)

// MetricKind identifies what a sample measures.
type MetricKind string

const (
	MetricCPUUsage       MetricKind = "cpu_usage"
	MetricMemoryUsage    MetricKind = "memory_usage"
	MetricDiskUsage      MetricKind = "disk_usage"
	MetricNetworkConns   MetricKind = "network_connections"
	MetricListeningPorts MetricKind = "listening_ports"
	MetricFailedLogins   MetricKind = "failed_login_attempts"
)

// IsValid checks if the metric kind is a known value.
func (k MetricKind) IsValid() bool {
	switch k {
	case MetricCPUUsage, MetricMemoryUsage, MetricDiskUsage,
		MetricNetworkConns, MetricListeningPorts, MetricFailedLogins:
		return true
	}
	return false
}

// MetricSample is one timestamped measurement for a source. Samples are
// produced externally and are immutable once created. SourceID identifies
// the monitored subject (host, IP, user account, process).
type MetricSample struct {
	SourceID  string     `json:"source_id" validate:"required,max=256"`
	Kind      MetricKind `json:"kind" validate:"required,metric_kind"`
	Value     float64    `json:"value"`
	Timestamp time.Time  `json:"timestamp"`
}

// Severity levels for threat events and alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank converts severity to a numeric value for ordering.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// MaxSeverity returns the higher-ranked of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Fingerprint identifies one monitored condition: the same pattern firing
// for the same source. It is the deduplication key for the alert lifecycle.
type Fingerprint struct {
	PatternID string `json:"pattern_id"`
	SourceID  string `json:"source_id"`
}

func (f Fingerprint) String() string {
	return f.PatternID + "/" + f.SourceID
}

// ParseFingerprint parses the "pattern/source" form produced by String.
func ParseFingerprint(s string) (Fingerprint, error) {
	pattern, source, ok := strings.Cut(s, "/")
	if !ok || pattern == "" || source == "" {
		return Fingerprint{}, fmt.Errorf("malformed fingerprint: %q", s)
	}
	return Fingerprint{PatternID: pattern, SourceID: source}, nil
}

// ThreatEvent is the ephemeral message emitted by the detector when a
// pattern matches. It is consumed by the alert manager within one tick and
// discarded. Contributing is the number of samples that satisfied the
// pattern at the moment it fired: the window population for windowed
// patterns, always 1 for level patterns.
type ThreatEvent struct {
	Fingerprint   Fingerprint `json:"fingerprint"`
	Severity      Severity    `json:"severity"`
	ObservedValue float64     `json:"observed_value"`
	Timestamp     time.Time   `json:"timestamp"`
	Contributing  int         `json:"contributing"`
}

// ClearSignal is the detector's resolve-candidate message: a previously
// breached level condition has dropped below its clear threshold. It feeds
// the alert manager's auto-resolve streak and is never a threat event.
type ClearSignal struct {
	Fingerprint   Fingerprint `json:"fingerprint"`
	ObservedValue float64     `json:"observed_value"`
	Timestamp     time.Time   `json:"timestamp"`
}
