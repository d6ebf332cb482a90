package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/circuitbreaker"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/warehouse"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func fixed(name string, critical bool, status CheckStatus) Checker {
	return NewCustomHealthChecker(name, critical, time.Second, func(context.Context) CheckResult {
		return CheckResult{Status: status}
	})
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		checkers []Checker
		want     CheckStatus
		ready    bool
	}{
		{"no checkers", nil, StatusHealthy, true},
		{"all healthy", []Checker{fixed("a", true, StatusHealthy), fixed("b", false, StatusHealthy)}, StatusHealthy, true},
		{"critical failure", []Checker{fixed("a", true, StatusUnhealthy), fixed("b", false, StatusHealthy)}, StatusUnhealthy, false},
		{"non-critical failure", []Checker{fixed("a", true, StatusHealthy), fixed("b", false, StatusUnhealthy)}, StatusDegraded, true},
		{"degraded", []Checker{fixed("a", true, StatusDegraded)}, StatusDegraded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(0, zaptest.NewLogger(t))
			for _, c := range tt.checkers {
				require.NoError(t, m.RegisterChecker(c))
			}
			rep := m.Check(context.Background())
			assert.Equal(t, tt.want, rep.Status)
			assert.Equal(t, tt.ready, rep.Ready)
			assert.Len(t, rep.Components, len(tt.checkers))
		})
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m := NewManager(0, zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(fixed("a", true, StatusHealthy)))
	assert.Error(t, m.RegisterChecker(fixed("a", true, StatusHealthy)))
	assert.Error(t, m.RegisterChecker(fixed("", true, StatusHealthy)))
}

func TestPingCheckerWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	wrapper := circuitbreaker.NewRedisWrapper(client, circuitbreaker.DefaultSettings(), zaptest.NewLogger(t))

	c := NewPingChecker("redis", false, pingFunc(wrapper.Ping), wrapper.Breaker())
	res := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)

	mr.Close()
	res = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestPingCheckerOpenBreaker(t *testing.T) {
	settings := circuitbreaker.DefaultSettings()
	settings.FailureThreshold = 1
	cb := circuitbreaker.NewCircuitBreaker("test", settings.ToConfig(), zaptest.NewLogger(t))
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("down") })
	require.Equal(t, circuitbreaker.StateOpen, cb.State())

	called := false
	c := NewPingChecker("llm", false, pingFunc(func(context.Context) error { called = true; return nil }), cb)
	res := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "circuit breaker open", res.Error)
	assert.False(t, called)
}

func TestWarehouseChecker(t *testing.T) {
	res := NewWarehouseChecker(warehouse.Disabled("not configured")).Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, string(state.WarehouseDisabled), res.Details["state"])

	q := warehouse.Connect(context.Background(), warehouse.Options{Driver: "no-such-driver", DSN: "x"}, circuitbreaker.DefaultSettings(), zaptest.NewLogger(t))
	res = NewWarehouseChecker(q).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(0, zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(fixed("redis", true, StatusUnhealthy)))
	mux := http.NewServeMux()
	NewHTTPHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusServiceUnavailable, get("/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)
	assert.Equal(t, http.StatusOK, get("/health/live").Code)

	var summary map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(get("/health").Body).Decode(&summary))
	assert.NotContains(t, summary, "components")

	rec := get("/health/detailed?cached=true")
	var detailed struct {
		Status     string         `json:"status"`
		Counts     map[string]int `json:"counts"`
		Components map[string]struct {
			Critical bool `json:"critical"`
		} `json:"components"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&detailed))
	assert.Equal(t, "unhealthy", detailed.Status)
	assert.Equal(t, 1, detailed.Counts["unhealthy"])
	require.Contains(t, detailed.Components, "redis")
	assert.True(t, detailed.Components["redis"].Critical)
}

func TestCheckWithoutStatusCountsAsUnhealthy(t *testing.T) {
	m := NewManager(0, zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(NewCustomHealthChecker("blank", false, 0, func(context.Context) CheckResult {
		return CheckResult{}
	})))

	rep := m.Check(context.Background())
	assert.Equal(t, StatusDegraded, rep.Status)
	assert.True(t, rep.Ready)
	assert.Equal(t, StatusUnhealthy, rep.Components["blank"].Status)
	assert.False(t, rep.Components["blank"].CheckedAt.IsZero())
}

func TestStartStop(t *testing.T) {
	m := NewManager(10*time.Millisecond, zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(fixed("a", false, StatusHealthy)))
	m.Start(context.Background())
	assert.Eventually(t, func() bool { return len(m.LastResults()) == 1 }, time.Second, 10*time.Millisecond)
	m.Stop()
	m.Stop()
}
