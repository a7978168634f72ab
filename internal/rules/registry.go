package rules

import (
	"fmt"
	"time"

	"guardpost/internal/schema"
)

// Registry is an immutable indexed set of threat patterns. The detector
// holds a Registry behind an atomic pointer; reloads swap in a new
// instance rather than mutating a live one.
type Registry struct {
	patterns []*Pattern
	byMetric map[schema.MetricKind][]*Pattern
	byID     map[string]*Pattern
}

// NewRegistry validates every pattern and builds the metric and id
// indexes. Any invalid or duplicate pattern makes the whole registry
// invalid.
func NewRegistry(patterns []Pattern) (*Registry, error) {
	r := &Registry{
		byMetric: make(map[schema.MetricKind][]*Pattern),
		byID:     make(map[string]*Pattern),
	}
	for i := range patterns {
		p := patterns[i]
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, &ConfigurationError{PatternID: p.ID, Reason: "duplicate pattern id"}
		}
		r.patterns = append(r.patterns, &p)
		r.byID[p.ID] = &p
		r.byMetric[p.Metric] = append(r.byMetric[p.Metric], &p)
	}
	if len(r.patterns) == 0 {
		return nil, &ConfigurationError{Reason: "at least one threat pattern is required"}
	}
	return r, nil
}

// ForMetric returns the patterns that evaluate the given metric kind.
// The returned slice must not be modified.
func (r *Registry) ForMetric(kind schema.MetricKind) []*Pattern {
	return r.byMetric[kind]
}

// Get returns the pattern with the given id, or nil.
func (r *Registry) Get(id string) *Pattern {
	return r.byID[id]
}

// Patterns returns all patterns in registration order. The returned
// slice must not be modified.
func (r *Registry) Patterns() []*Pattern {
	return r.patterns
}

// ChannelsFor returns the notification channels configured for the
// given pattern, or nil for unknown patterns.
func (r *Registry) ChannelsFor(id string) []string {
	if p := r.byID[id]; p != nil {
		return p.Channels
	}
	return nil
}

// Len returns the number of registered patterns.
func (r *Registry) Len() int {
	return len(r.patterns)
}

// Thresholds are the per-metric breach levels used to parameterize the
// builtin pattern set.
type Thresholds struct {
	CPUUsage            float64 `yaml:"cpu_usage"`
	MemoryUsage         float64 `yaml:"memory_usage"`
	DiskUsage           float64 `yaml:"disk_usage"`
	NetworkConnections  float64 `yaml:"network_connections"`
	FailedLoginAttempts float64 `yaml:"failed_login_attempts"`
}

// DefaultThresholds returns the stock breach levels.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUUsage:            90,
		MemoryUsage:         95,
		DiskUsage:           95,
		NetworkConnections:  1500,
		FailedLoginAttempts: 5,
	}
}

// BuiltinPatterns returns the stock pattern set parameterized by the
// given thresholds. Deployments that need different shapes supply their
// own pattern list in configuration instead.
func BuiltinPatterns(t Thresholds) []Pattern {
	return []Pattern{
		{
			ID:            "cpu-abuse",
			Kind:          KindResourceAbuse,
			Metric:        schema.MetricCPUUsage,
			Threshold:     t.CPUUsage,
			Hysteresis:    t.CPUUsage - 70,
			Severity:      schema.SeverityMedium,
			AutoResolve:   true,
			ResolveStreak: 3,
			EscalateAfter: 300 * time.Second,
			AckSuppresses: true,
			Channels:      []string{"dashboard", "log"},
		},
		{
			ID:            "memory-abuse",
			Kind:          KindResourceAbuse,
			Metric:        schema.MetricMemoryUsage,
			Threshold:     t.MemoryUsage,
			Hysteresis:    t.MemoryUsage - 70,
			Severity:      schema.SeverityMedium,
			AutoResolve:   true,
			ResolveStreak: 3,
			EscalateAfter: 300 * time.Second,
			AckSuppresses: true,
			Channels:      []string{"dashboard", "log"},
		},
		{
			ID:            "disk-abuse",
			Kind:          KindResourceAbuse,
			Metric:        schema.MetricDiskUsage,
			Threshold:     t.DiskUsage,
			Hysteresis:    t.DiskUsage - 70,
			Severity:      schema.SeverityMedium,
			AutoResolve:   true,
			ResolveStreak: 3,
			EscalateAfter: 300 * time.Second,
			AckSuppresses: true,
			Channels:      []string{"dashboard", "log"},
		},
		{
			ID:            "connection-flood",
			Kind:          KindNetworkAnomaly,
			Metric:        schema.MetricNetworkConns,
			Threshold:     t.NetworkConnections,
			Hysteresis:    t.NetworkConnections / 3,
			Severity:      schema.SeverityHigh,
			AutoResolve:   false,
			EscalateAfter: 180 * time.Second,
			AckSuppresses: true,
			Channels:      []string{"dashboard", "log", "email"},
		},
		{
			ID:            "auth-brute-force",
			Kind:          KindBruteForce,
			Metric:        schema.MetricFailedLogins,
			Threshold:     t.FailedLoginAttempts,
			Window:        10 * time.Minute,
			Severity:      schema.SeverityHigh,
			AutoResolve:   false,
			EscalateAfter: 60 * time.Second,
			Channels:      []string{"dashboard", "log", "email", "sms"},
		},
		{
			ID:            "port-scan",
			Kind:          KindPortScan,
			Metric:        schema.MetricListeningPorts,
			Threshold:     3,
			Qualify:       50,
			Window:        5 * time.Minute,
			Severity:      schema.SeverityHigh,
			AutoResolve:   false,
			EscalateAfter: 180 * time.Second,
			AckSuppresses: true,
			Channels:      []string{"dashboard", "log", "email"},
		},
	}
}

// Describe returns a short human-readable summary of a pattern, used in
// startup logging.
func Describe(p *Pattern) string {
	if p.Kind.Windowed() {
		return fmt.Sprintf("%s: %d qualifying %s samples within %s -> %s",
			p.ID, int(p.Threshold), p.Metric, p.Window, p.Severity)
	}
	return fmt.Sprintf("%s: %s >= %.0f (clear below %.0f) -> %s",
		p.ID, p.Metric, p.Threshold, p.ClearBelow(), p.Severity)
}
