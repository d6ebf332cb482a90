package policy

import (
	"strings"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/config"
)

// Mode defines the policy engine operating mode
type Mode string

const (
	// ModeOff disables policy evaluation entirely
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but doesn't enforce them (log only)
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies
	ModeEnforce Mode = "enforce"
)

// Config holds policy engine configuration
type Config struct {
	// Mode controls policy enforcement behavior
	Mode Mode

	// Path to a directory of .rego files; empty uses the embedded source policy
	Path string

	// FailOpen admits sources when policies can't be loaded or evaluated
	FailOpen bool
}

// FromConfig converts the service configuration section.
func FromConfig(c config.PolicyConfig) Config {
	mode := Mode(strings.ToLower(strings.TrimSpace(c.Mode)))
	switch mode {
	case ModeOff, ModeDryRun, ModeEnforce:
	case "":
		mode = ModeEnforce
	default:
		mode = ModeOff
	}
	return Config{Mode: mode, Path: c.Path, FailOpen: c.FailOpen}
}
