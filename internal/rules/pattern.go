// Package rules provides threat pattern definitions and the immutable
// per-epoch registry the detector evaluates against.
package rules

import (
	"fmt"
	"math"
	"time"

	"guardpost/internal/schema"
)

// Kind is the closed set of threat pattern kinds. Adding a kind is a
// compile-time extension: every switch over Kind must handle it.
type Kind string

const (
	// KindResourceAbuse latches on a resource level (CPU, memory, disk).
	KindResourceAbuse Kind = "resource_abuse"
	// KindNetworkAnomaly latches on a network volume level.
	KindNetworkAnomaly Kind = "network_anomaly"
	// KindBruteForce counts qualifying auth failures in a time window.
	KindBruteForce Kind = "brute_force"
	// KindPortScan counts qualifying port observations in a time window.
	KindPortScan Kind = "port_scan"
)

// IsValid checks if the kind is a known value.
func (k Kind) IsValid() bool {
	switch k {
	case KindResourceAbuse, KindNetworkAnomaly, KindBruteForce, KindPortScan:
		return true
	}
	return false
}

// Windowed reports whether patterns of this kind count qualifying samples
// over a time window rather than latching on a level with hysteresis.
func (k Kind) Windowed() bool {
	switch k {
	case KindBruteForce, KindPortScan:
		return true
	case KindResourceAbuse, KindNetworkAnomaly:
		return false
	}
	return false
}

// ConfigurationError reports an invalid or missing rule registry entry.
// It is fatal at load time: the engine never starts monitoring with an
// invalid rule set.
type ConfigurationError struct {
	PatternID string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	if e.PatternID == "" {
		return "invalid rule configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid pattern %q: %s", e.PatternID, e.Reason)
}

// Pattern is one threat detection rule. Patterns are read-only during
// evaluation; a reload produces a new Registry snapshot.
//
// For level kinds, Threshold is the breach level and Hysteresis the gap a
// value must drop below the threshold before the condition clears. For
// windowed kinds, Threshold is the number of qualifying samples within
// Window that triggers a match, and Qualify the minimum sample value for
// a sample to count (defaults to 1).
type Pattern struct {
	ID            string            `yaml:"id"`
	Kind          Kind              `yaml:"kind"`
	Metric        schema.MetricKind `yaml:"metric"`
	Threshold     float64           `yaml:"threshold"`
	Hysteresis    float64           `yaml:"hysteresis"`
	Qualify       float64           `yaml:"qualify"`
	Window        time.Duration     `yaml:"time_window"`
	Severity      schema.Severity   `yaml:"severity"`
	AutoResolve   bool              `yaml:"auto_resolve"`
	ResolveStreak int               `yaml:"resolve_threshold"`
	EscalateAfter time.Duration     `yaml:"escalation_time"`
	AckSuppresses bool              `yaml:"ack_stops_escalation"`
	Channels      []string          `yaml:"notification_channels"`
}

// Validate checks the pattern definition. All failures are
// *ConfigurationError.
func (p *Pattern) Validate() error {
	if p.ID == "" {
		return &ConfigurationError{Reason: "pattern id is required"}
	}
	if !p.Kind.IsValid() {
		return &ConfigurationError{PatternID: p.ID, Reason: fmt.Sprintf("unknown kind %q", p.Kind)}
	}
	if !p.Metric.IsValid() {
		return &ConfigurationError{PatternID: p.ID, Reason: fmt.Sprintf("unknown metric %q", p.Metric)}
	}
	if !p.Severity.IsValid() {
		return &ConfigurationError{PatternID: p.ID, Reason: fmt.Sprintf("unknown severity %q", p.Severity)}
	}
	if p.Threshold <= 0 || math.IsNaN(p.Threshold) || math.IsInf(p.Threshold, 0) {
		return &ConfigurationError{PatternID: p.ID, Reason: "threshold must be a positive finite number"}
	}

	if p.Kind.Windowed() {
		if p.Window <= 0 {
			return &ConfigurationError{PatternID: p.ID, Reason: "time_window is required for windowed patterns"}
		}
		if p.Threshold != math.Trunc(p.Threshold) {
			return &ConfigurationError{PatternID: p.ID, Reason: "threshold must be a whole sample count for windowed patterns"}
		}
		if p.Hysteresis != 0 {
			return &ConfigurationError{PatternID: p.ID, Reason: "hysteresis does not apply to windowed patterns"}
		}
	} else {
		if p.Hysteresis < 0 || p.Hysteresis >= p.Threshold {
			return &ConfigurationError{PatternID: p.ID, Reason: "hysteresis must be non-negative and below the threshold"}
		}
	}

	if p.AutoResolve && p.ResolveStreak < 1 {
		return &ConfigurationError{PatternID: p.ID, Reason: "auto_resolve requires resolve_threshold >= 1"}
	}
	if p.EscalateAfter < 0 {
		return &ConfigurationError{PatternID: p.ID, Reason: "escalation_time must not be negative"}
	}

	return nil
}

// QualifyValue returns the minimum sample value for a sample to count
// toward a windowed pattern, defaulting to 1.
func (p *Pattern) QualifyValue() float64 {
	if p.Qualify > 0 {
		return p.Qualify
	}
	return 1
}

// ClearBelow returns the level a value must drop under to clear a breached
// level condition.
func (p *Pattern) ClearBelow() float64 {
	return p.Threshold - p.Hysteresis
}
