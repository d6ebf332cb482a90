package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultCheckInterval = 30 * time.Second
	backgroundTimeout    = 30 * time.Second
)

// CheckStatus is the outcome of one check, or of the service as a whole.
type CheckStatus string

const (
	StatusHealthy   CheckStatus = "healthy"
	StatusDegraded  CheckStatus = "degraded"
	StatusUnhealthy CheckStatus = "unhealthy"
)

// CheckResult is what a Checker observed. The manager fills in the component
// name, criticality and timing.
type CheckResult struct {
	Component string         `json:"component"`
	Status    CheckStatus    `json:"status"`
	Critical  bool           `json:"critical"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	ElapsedMs float64        `json:"elapsed_ms"`
	CheckedAt time.Time      `json:"checked_at"`
}

// Checker checks one dependency of the research service. Only a failing
// critical checker takes the service out of readiness.
type Checker interface {
	Name() string
	IsCritical() bool
	Timeout() time.Duration
	Check(ctx context.Context) CheckResult
}

// Report aggregates one round of checks.
type Report struct {
	Status     CheckStatus            `json:"status"`
	Message    string                 `json:"message"`
	Ready      bool                   `json:"ready"`
	Counts     map[CheckStatus]int    `json:"counts"`
	Components map[string]CheckResult `json:"components,omitempty"`
	CheckedAt  time.Time              `json:"checked_at"`
}

// Manager runs registered checkers on demand and in the background.
type Manager struct {
	checkers      map[string]Checker
	lastResults   map[string]CheckResult
	checkInterval time.Duration
	cancel        context.CancelFunc
	done          chan struct{}
	logger        *zap.Logger
	mu            sync.RWMutex
}

// NewManager creates a health manager. A non-positive interval uses 30s.
func NewManager(interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers:      make(map[string]Checker),
		lastResults:   make(map[string]CheckResult),
		checkInterval: interval,
		logger:        logger,
	}
}

// RegisterChecker registers a health check
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = checker
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", checker.IsCritical()),
		zap.Duration("timeout", checker.Timeout()),
	)
	return nil
}

// Check runs every checker concurrently and aggregates the results.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			results[i] = runCheck(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	components := make(map[string]CheckResult, len(results))
	m.mu.Lock()
	for _, r := range results {
		components[r.Component] = r
		m.lastResults[r.Component] = r
	}
	m.mu.Unlock()

	return summarize(components)
}

// Cached aggregates the results of the most recent round without running checks.
func (m *Manager) Cached() Report { return summarize(m.LastResults()) }

// IsReady reports whether no critical dependency is failing.
func (m *Manager) IsReady(ctx context.Context) bool { return m.Check(ctx).Ready }

// LastResults returns the results of the most recent checks.
func (m *Manager) LastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.lastResults))
	for k, v := range m.lastResults {
		out[k] = v
	}
	return out
}

// Start begins background health checking until ctx ends or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.backgroundChecker(ctx, m.done)

	m.logger.Info("Health manager started",
		zap.Duration("check_interval", m.checkInterval),
		zap.Int("registered_checkers", len(m.checkers)),
	)
}

// Stop stops background health checking and waits for the loop to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("Health manager stopped")
}

func (m *Manager) backgroundChecker(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, backgroundTimeout)
			rep := m.Check(checkCtx)
			cancel()
			if rep.Status != StatusHealthy {
				m.logger.Warn("Background health check",
					zap.String("status", string(rep.Status)),
					zap.String("message", rep.Message),
				)
			}
		}
	}
}

// runCheck executes a single health check with its timeout
func runCheck(ctx context.Context, checker Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, checker.Timeout())
	defer cancel()

	start := time.Now()
	result := checker.Check(checkCtx)
	if result.Status == "" {
		result.Status = StatusUnhealthy
		result.Message = "check reported no status"
	}
	result.Component = checker.Name()
	result.Critical = checker.IsCritical()
	result.ElapsedMs = float64(time.Since(start).Microseconds()) / 1000
	result.CheckedAt = start
	return result
}

// summarize derives the service status from component results. Every pipeline
// capability has a fallback, so a non-critical failure only degrades.
func summarize(components map[string]CheckResult) Report {
	rep := Report{
		Counts:     make(map[CheckStatus]int),
		Components: components,
		CheckedAt:  time.Now(),
		Ready:      true,
	}
	criticalFailures, otherFailures := 0, 0
	for _, r := range components {
		rep.Counts[r.Status]++
		if r.Status != StatusUnhealthy {
			continue
		}
		if r.Critical {
			criticalFailures++
		} else {
			otherFailures++
		}
	}

	switch {
	case len(components) == 0:
		rep.Status = StatusHealthy
		rep.Message = "No dependencies configured"
	case criticalFailures > 0:
		rep.Status = StatusUnhealthy
		rep.Message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
		rep.Ready = false
	case rep.Counts[StatusDegraded] > 0:
		rep.Status = StatusDegraded
		rep.Message = fmt.Sprintf("%d component(s) degraded", rep.Counts[StatusDegraded])
	case otherFailures > 0:
		rep.Status = StatusDegraded
		rep.Message = fmt.Sprintf("%d non-critical component(s) failing", otherFailures)
	default:
		rep.Status = StatusHealthy
		rep.Message = fmt.Sprintf("All %d components healthy", len(components))
	}
	return rep
}
