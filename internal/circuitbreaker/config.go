package circuitbreaker

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/config"
)

// Settings is the breaker configuration shared by every capability client.
type Settings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// DefaultSettings mirrors DefaultConfig.
func DefaultSettings() Settings {
	d := DefaultConfig()
	return Settings{
		MaxRequests:      d.MaxRequests,
		Interval:         d.Interval,
		Timeout:          d.Timeout,
		FailureThreshold: d.FailureThreshold,
		SuccessThreshold: d.SuccessThreshold,
	}
}

// FromConfig converts the service configuration section. Zero fields keep
// the defaults.
func FromConfig(c config.CircuitBreakerConfig) Settings {
	s := DefaultSettings()
	if c.MaxRequests > 0 {
		s.MaxRequests = c.MaxRequests
	}
	if c.Interval > 0 {
		s.Interval = c.Interval
	}
	if c.Timeout > 0 {
		s.Timeout = c.Timeout
	}
	if c.FailureThreshold > 0 {
		s.FailureThreshold = c.FailureThreshold
	}
	if c.SuccessThreshold > 0 {
		s.SuccessThreshold = c.SuccessThreshold
	}
	return s
}

// ForCapability applies CB_<CAPABILITY>_* environment overrides on top of base,
// e.g. CB_WAREHOUSE_FAILURE_THRESHOLD=2.
func ForCapability(capability string, base Settings) Settings {
	prefix := "CB_" + strings.ToUpper(strings.ReplaceAll(capability, "-", "_")) + "_"
	return Settings{
		MaxRequests:      getEnvUint32(prefix+"MAX_REQUESTS", base.MaxRequests),
		Interval:         getEnvDuration(prefix+"INTERVAL", base.Interval),
		Timeout:          getEnvDuration(prefix+"TIMEOUT", base.Timeout),
		FailureThreshold: getEnvUint32(prefix+"FAILURE_THRESHOLD", base.FailureThreshold),
		SuccessThreshold: getEnvUint32(prefix+"SUCCESS_THRESHOLD", base.SuccessThreshold),
	}
}

// ToConfig converts Settings to circuit breaker Config
func (s Settings) ToConfig() Config {
	return Config{
		MaxRequests:      s.MaxRequests,
		Interval:         s.Interval,
		Timeout:          s.Timeout,
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
	}
}

// Helper functions for environment variable parsing

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
