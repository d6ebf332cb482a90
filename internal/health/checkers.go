package health

import (
	"context"
	"time"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/circuitbreaker"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/warehouse"
)

const (
	defaultCheckTimeout = 5 * time.Second
	slowPing            = 100 * time.Millisecond
)

// Pinger is implemented by the Redis sink and the warehouse client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker pings a dependency, short-circuiting when its breaker is open.
type PingChecker struct {
	name     string
	critical bool
	pinger   Pinger
	breaker  *circuitbreaker.CircuitBreaker
	timeout  time.Duration
}

// NewPingChecker creates a checker for pinger. breaker may be nil.
func NewPingChecker(name string, critical bool, pinger Pinger, breaker *circuitbreaker.CircuitBreaker) *PingChecker {
	return &PingChecker{name: name, critical: critical, pinger: pinger, breaker: breaker, timeout: defaultCheckTimeout}
}

func (p *PingChecker) Name() string           { return p.name }
func (p *PingChecker) IsCritical() bool       { return p.critical }
func (p *PingChecker) Timeout() time.Duration { return p.timeout }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	if p.breaker != nil && p.breaker.State() == circuitbreaker.StateOpen {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   "circuit breaker open",
			Message: p.name + " circuit breaker is open",
		}
	}

	start := time.Now()
	err := p.pinger.Ping(ctx)
	latency := time.Since(start)
	details := map[string]any{"latency_ms": latency.Milliseconds()}
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: p.name + " ping failed", Details: details}
	}
	// Check if degraded (high latency)
	if latency > slowPing {
		return CheckResult{Status: StatusDegraded, Message: p.name + " responding but with high latency", Details: details}
	}
	return CheckResult{Status: StatusHealthy, Message: p.name + " healthy", Details: details}
}

// WarehouseChecker reports the warehouse connection state. A disabled
// warehouse counts as healthy.
type WarehouseChecker struct {
	querier warehouse.Querier
	timeout time.Duration
}

func NewWarehouseChecker(q warehouse.Querier) *WarehouseChecker {
	return &WarehouseChecker{querier: q, timeout: defaultCheckTimeout}
}

func (w *WarehouseChecker) Name() string           { return "warehouse" }
func (w *WarehouseChecker) IsCritical() bool       { return false }
func (w *WarehouseChecker) Timeout() time.Duration { return w.timeout }

func (w *WarehouseChecker) Check(ctx context.Context) CheckResult {
	st := w.querier.Status()
	details := map[string]any{"state": string(st.State)}
	switch st.State {
	case state.WarehouseDisabled:
		return CheckResult{Status: StatusHealthy, Message: "Warehouse disabled", Details: details}
	case state.WarehouseError:
		return CheckResult{Status: StatusUnhealthy, Message: "Warehouse unavailable", Error: st.Message, Details: details}
	}
	if p, ok := w.querier.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "Warehouse ping failed", Error: err.Error(), Details: details}
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "Warehouse connected", Details: details}
}

// BreakerChecker reports the state of every registered circuit breaker.
type BreakerChecker struct {
	collector *circuitbreaker.MetricsCollector
}

func NewBreakerChecker(collector *circuitbreaker.MetricsCollector) *BreakerChecker {
	if collector == nil {
		collector = circuitbreaker.GlobalMetricsCollector
	}
	return &BreakerChecker{collector: collector}
}

func (b *BreakerChecker) Name() string           { return "circuit_breakers" }
func (b *BreakerChecker) IsCritical() bool       { return false }
func (b *BreakerChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerChecker) Check(context.Context) CheckResult {
	details := make(map[string]any)
	open, halfOpen := 0, 0
	for key, st := range b.collector.Snapshot() {
		details[key] = st.String()
		switch st {
		case circuitbreaker.StateOpen:
			open++
		case circuitbreaker.StateHalfOpen:
			halfOpen++
		}
	}
	switch {
	case open > 0:
		return CheckResult{Status: StatusUnhealthy, Message: "Circuit breaker(s) open; affected capabilities fall back", Details: details}
	case halfOpen > 0:
		return CheckResult{Status: StatusDegraded, Message: "Circuit breaker(s) recovering", Details: details}
	}
	return CheckResult{Status: StatusHealthy, Message: "All circuit breakers closed", Details: details}
}

// CustomHealthChecker allows for custom health check logic
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
