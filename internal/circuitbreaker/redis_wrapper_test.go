package circuitbreaker

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func TestRedisWrapper_NormalOperations(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	wrapper := NewRedisWrapper(client, DefaultSettings(), zaptest.NewLogger(t))
	ctx := context.Background()

	if err := wrapper.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	id, err := wrapper.XAdd(ctx, &redis.XAddArgs{
		Stream: "research:events",
		Values: map[string]interface{}{"stage": "lead_manager", "status": "completed"},
	})
	if err != nil || id == "" {
		t.Fatalf("XAdd failed: id=%q err=%v", id, err)
	}

	msgs, err := wrapper.XRange(ctx, "research:events", "-", "+")
	if err != nil {
		t.Fatalf("XRange failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Values["stage"] != "lead_manager" {
		t.Errorf("Unexpected stream content: %+v", msgs)
	}

	if wrapper.IsCircuitBreakerOpen() {
		t.Error("Circuit breaker should remain closed")
	}
}

func TestRedisWrapper_CircuitBreakerTriggering(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	defer client.Close()

	settings := DefaultSettings()
	settings.FailureThreshold = 2
	wrapper := NewRedisWrapper(client, settings, zaptest.NewLogger(t))
	ctx := context.Background()

	s.Close()
	for i := 0; i < 2; i++ {
		if err := wrapper.Ping(ctx); err == nil {
			t.Fatal("Expected ping to fail with the server down")
		}
	}

	if !wrapper.IsCircuitBreakerOpen() {
		t.Error("Expected circuit breaker to be open")
	}
	if err := wrapper.Ping(ctx); err != ErrCircuitBreakerOpen {
		t.Errorf("Expected ErrCircuitBreakerOpen, got %v", err)
	}
}
