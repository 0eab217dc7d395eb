package metrics

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is the health of one component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth is one check result.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthCheck reports the health of a single component.
type HealthCheck func(ctx context.Context) ComponentHealth

// SystemHealth aggregates every registered check; Status is the worst one.
type SystemHealth struct {
	Status     Status            `json:"status"`
	Components []ComponentHealth `json:"components"`
	Timestamp  time.Time         `json:"ts"`
	Uptime     string            `json:"uptime"`
}

// Health runs named checks on demand.
type Health struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	startTime time.Time
}

// NewHealth creates an empty health registry.
func NewHealth() *Health {
	return &Health{checks: make(map[string]HealthCheck), startTime: time.Now()}
}

// Register adds or replaces a named check.
func (h *Health) Register(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Check runs all checks synchronously.
func (h *Health) Check(ctx context.Context) SystemHealth {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()
	sort.Strings(names)

	out := SystemHealth{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	}
	for _, name := range names {
		res := checks[name](ctx)
		res.Name = name
		if severity(res.Status) > severity(out.Status) {
			out.Status = res.Status
		}
		out.Components = append(out.Components, res)
	}
	return out
}

func severity(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return -1
	}
}

// FreshnessCheck is unhealthy when last() is older than maxAge, degraded
// past half of it. A zero time means nothing was observed yet.
func FreshnessCheck(what string, maxAge time.Duration, last func() time.Time) HealthCheck {
	return func(context.Context) ComponentHealth {
		t := last()
		if t.IsZero() {
			return ComponentHealth{Status: StatusDegraded, Message: "no " + what + " yet"}
		}
		age := time.Since(t)
		switch {
		case age > maxAge:
			return ComponentHealth{Status: StatusUnhealthy, Message: "last " + what + " " + age.Round(time.Second).String() + " ago"}
		case age > maxAge/2:
			return ComponentHealth{Status: StatusDegraded, Message: "last " + what + " " + age.Round(time.Second).String() + " ago"}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}
