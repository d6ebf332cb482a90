package policy

import (
	"container/list"
	"context"
	"crypto/md5"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

const decisionQuery = "data.research.sources.decision"

//go:embed policies/*.rego
var embedded embed.FS

// Tier is where an admitted source lands in the selection.
type Tier string

const (
	TierRecommended   Tier = "recommended"
	TierSupplementary Tier = "supplementary"
	TierExcluded      Tier = "excluded"
)

// Engine defines the policy evaluation interface
type Engine interface {
	Evaluate(ctx context.Context, input *Input) (*Decision, error)
	LoadPolicies() error
	IsEnabled() bool
	// Mode returns the current enforcement mode (off|dry-run|enforce)
	Mode() Mode
}

// SourceInput describes the catalog source under evaluation.
type SourceInput struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	TrustLevel   string   `json:"trust_level"` // high, medium, low
	Type         string   `json:"type"`        // free, premium, api
	RequiresAuth bool     `json:"requires_auth"`
	Geographies  []string `json:"geographies"`
}

// RequestInput carries the research request context.
type RequestInput struct {
	Sector             string `json:"sector"`
	Function           string `json:"function"`
	Geography          string `json:"geography"`
	TrustedSourcesOnly bool   `json:"trusted_sources_only"`
}

// Input represents the input context for policy evaluation
type Input struct {
	RunID   string       `json:"run_id,omitempty"`
	Source  SourceInput  `json:"source"`
	Request RequestInput `json:"request"`
}

// Decision represents the policy evaluation result. An empty Tier means the
// caller places admitted sources by trust level.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
	Tier   Tier   `json:"tier,omitempty"`

	PolicyVersion string            `json:"policy_version,omitempty"`
	AuditTags     map[string]string `json:"audit_tags,omitempty"`
}

// OPAEngine implements the Engine interface using OPA rego
type OPAEngine struct {
	config   Config
	logger   *zap.Logger
	compiled *rego.PreparedEvalQuery
	version  string
	enabled  bool
	// simple in-memory LRU cache for decisions
	cache *decisionCache
}

// NewOPAEngine creates a new OPA-based policy engine
func NewOPAEngine(config Config, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &OPAEngine{
		config:  config,
		logger:  logger,
		enabled: config.Mode != ModeOff,
		cache:   newDecisionCache(1000, 5*time.Minute), // 1K entries, 5min TTL
	}

	if engine.enabled {
		if err := engine.LoadPolicies(); err != nil {
			if !config.FailOpen {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
			engine.enabled = false
		}
	}

	return engine, nil
}

// policyPattern selects every .rego file below the policy root.
const policyPattern = "**/*.rego"

// LoadPolicies compiles the .rego files of the configured directory, or the
// embedded source policy when no directory is configured.
func (e *OPAEngine) LoadPolicies() error {
	var (
		fsys   fs.FS
		origin = "embedded"
		err    error
	)
	if e.config.Path != "" {
		fsys, origin = os.DirFS(e.config.Path), e.config.Path
	} else if fsys, err = fs.Sub(embedded, "policies"); err != nil {
		return err
	}

	paths, err := doublestar.Glob(fsys, policyPattern, doublestar.WithFilesOnly())
	if err != nil {
		return fmt.Errorf("failed to list policy files: %w", err)
	}

	policies := make(map[string]string, len(paths))
	for _, path := range paths {
		content, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		moduleName := strings.TrimSuffix(path, ".rego")
		policies[moduleName] = string(content)

		e.logger.Debug("Loaded policy file",
			zap.String("path", path),
			zap.String("module", moduleName),
		)
	}

	if len(policies) == 0 {
		return fmt.Errorf("no policies found in %s", origin)
	}

	regoOptions := []func(*rego.Rego){
		rego.Query(decisionQuery),
	}
	for moduleName, content := range policies {
		regoOptions = append(regoOptions, rego.Module(moduleName, content))
	}

	compiled, err := rego.New(regoOptions...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	e.compiled = &compiled
	e.version = calculatePolicyVersion(policies)
	e.cache.Clear()

	e.logger.Info("Policies loaded and compiled successfully",
		zap.Int("policy_count", len(policies)),
		zap.String("origin", origin),
		zap.String("version", e.version),
	)

	RecordPolicyLoad(origin, len(policies), float64(time.Now().Unix()))
	RecordPolicyVersion(origin, e.version)
	return nil
}

// Evaluate evaluates the policy against the given input
func (e *OPAEngine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	startTime := time.Now()

	// Default decision based on configuration
	defaultDecision := &Decision{
		Allow:  e.config.FailOpen,
		Reason: "policy engine disabled or no policies loaded",
		AuditTags: map[string]string{
			"policy_enabled": fmt.Sprintf("%t", e.enabled),
			"mode":           string(e.config.Mode),
		},
	}
	if e.config.Mode == ModeOff {
		defaultDecision.Allow = true
	}

	if !e.enabled || e.compiled == nil {
		return defaultDecision, nil
	}

	if d, ok := e.cache.Get(input); ok {
		RecordCacheHit(string(e.config.Mode))
		return d, nil
	}
	RecordCacheMiss(string(e.config.Mode))

	inputMap, err := toMap(input)
	if err != nil {
		e.logger.Error("Failed to convert input to map", zap.Error(err))
		RecordError("input_conversion", string(e.config.Mode))
		if !e.config.FailOpen {
			return &Decision{Allow: false, Reason: "input conversion failed", Tier: TierExcluded}, err
		}
		return defaultDecision, nil
	}

	results, err := e.compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		RecordError("policy_evaluation", string(e.config.Mode))
		if !e.config.FailOpen {
			return &Decision{Allow: false, Reason: "policy evaluation error", Tier: TierExcluded}, err
		}
		return defaultDecision, nil
	}

	decision := parseResults(results, input)
	decision.PolicyVersion = e.version
	wouldAllow := decision.Allow
	decision = e.applyMode(decision, input)

	duration := time.Since(startTime)
	RecordEvaluation(decisionLabel(decision.Allow), string(e.config.Mode))
	RecordEvaluationDuration(string(e.config.Mode), duration.Seconds())
	if e.config.Mode == ModeDryRun && !wouldAllow {
		RecordDryRunDivergence("would_deny")
	}
	if !decision.Allow {
		RecordDenyReason(decision.Reason)
	}
	RecordCacheSize(e.cache.Len())

	e.logger.Debug("Policy evaluated",
		zap.String("source_id", input.Source.ID),
		zap.Bool("allow", decision.Allow),
		zap.String("tier", string(decision.Tier)),
		zap.String("reason", decision.Reason),
		zap.Duration("duration", duration),
	)

	e.cache.Set(input, decision)
	return decision, nil
}

// IsEnabled returns whether the policy engine is enabled and ready
func (e *OPAEngine) IsEnabled() bool {
	return e.enabled && e.compiled != nil
}

// Mode returns the configured enforcement mode for the engine
func (e *OPAEngine) Mode() Mode { return e.config.Mode }

// applyMode relaxes denials in dry-run mode: the source is admitted as
// supplementary and the reason records what enforcement would have done.
func (e *OPAEngine) applyMode(decision *Decision, input *Input) *Decision {
	if decision.AuditTags == nil {
		decision.AuditTags = make(map[string]string)
	}
	decision.AuditTags["mode"] = string(e.config.Mode)

	if e.config.Mode != ModeDryRun || decision.Allow {
		return decision
	}

	original := *decision
	decision.Allow = true
	decision.Tier = TierSupplementary
	decision.Reason = fmt.Sprintf("DRY-RUN: would have been denied - %s", original.Reason)

	e.logger.Info("Dry-run policy evaluation",
		zap.String("source_id", input.Source.ID),
		zap.String("original_reason", original.Reason),
	)
	return decision
}

func decisionLabel(allow bool) string {
	if allow {
		return "allow"
	}
	return "deny"
}

func toMap(input *Input) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// parseResults parses OPA evaluation results into a Decision
func parseResults(results rego.ResultSet, input *Input) *Decision {
	decision := &Decision{
		Allow:  false, // Default deny
		Reason: "no matching policy rules",
		Tier:   TierExcluded,
		AuditTags: map[string]string{
			"source_id": input.Source.ID,
		},
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	value := results[0].Expressions[0].Value
	if valueMap, ok := value.(map[string]interface{}); ok {
		if allow, ok := valueMap["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := valueMap["reason"].(string); ok {
			decision.Reason = reason
		}
		if tier, ok := valueMap["tier"].(string); ok {
			decision.Tier = Tier(tier)
		}
	} else if allow, ok := value.(bool); ok {
		// Simple boolean result
		decision.Allow = allow
		decision.Tier = ""
		if allow {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
			decision.Tier = TierExcluded
		}
	}
	return decision
}

// --- internal decision cache (simple LRU with TTL) ---

type decisionCache struct {
	cap    int
	ttl    time.Duration
	mu     sync.Mutex
	list   *list.List               // MRU at front
	m      map[string]*list.Element // key -> element
	hits   int64
	misses int64
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

// The key covers every input field the policy reads.
func (c *decisionCache) makeKey(input *Input) string {
	geos := append([]string(nil), input.Source.Geographies...)
	sort.Strings(geos)
	return fmt.Sprintf("%s|%s|%s|%t|%s|%s|%t",
		input.Source.ID, input.Source.TrustLevel, input.Source.Type, input.Source.RequiresAuth,
		strings.Join(geos, ","), strings.ToLower(input.Request.Geography), input.Request.TrustedSourcesOnly,
	)
}

func (c *decisionCache) Get(input *Input) (*Decision, bool) {
	key := c.makeKey(input)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		ce := el.Value.(cacheEntry)
		if ce.expiresAt.After(now) {
			c.list.MoveToFront(el)
			atomic.AddInt64(&c.hits, 1)
			return ce.decision, true
		}
		// expired
		c.list.Remove(el)
		delete(c.m, key)
	}
	atomic.AddInt64(&c.misses, 1)
	return nil, false
}

func (c *decisionCache) Set(input *Input, d *Decision) {
	key := c.makeKey(input)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
		c.list.MoveToFront(el)
		return
	}
	el := c.list.PushFront(cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d})
	c.m[key] = el
	if c.list.Len() > c.cap {
		// evict LRU
		if lru := c.list.Back(); lru != nil {
			ce := lru.Value.(cacheEntry)
			delete(c.m, ce.key)
			c.list.Remove(lru)
		}
	}
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Stats returns cumulative cache hit/miss counts
func (c *decisionCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}

// calculatePolicyVersion creates a version hash from policy content for tracking
func calculatePolicyVersion(policies map[string]string) string {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)

	h := md5.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte(policies[name]))
	}
	// First 8 hex chars
	return fmt.Sprintf("%x", h.Sum(nil)[:4])
}
