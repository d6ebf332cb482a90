package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/agents"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/circuitbreaker"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/config"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/deliverable"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/gatherers"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/health"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/llm"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/metadata"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/pipeline"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/policy"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/sources"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/streaming"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/warehouse"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/websearch"
)

// service holds the lifecycle-scoped components shared by every run.
type service struct {
	orchestrator *pipeline.Orchestrator
	streams      *streaming.Manager
	replayer     *streaming.RedisSink
	health       *health.Manager
	policy       policy.Engine
	closers      []io.Closer
	logger       *zap.Logger
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

// newService wires the capability clients, the stages and the event sinks from cfg.
// Unconfigured capabilities are replaced by their disabled forms.
func newService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *service, err error) {
	svc := &service{health: health.NewManager(0, logger), logger: logger}
	defer func() {
		if err != nil {
			_ = svc.Close()
		}
	}()
	breakers := circuitbreaker.FromConfig(cfg.CircuitBreaker)

	var generator llm.Generator = llm.Unavailable{}
	if cfg.LLM.URL != "" {
		client := llm.NewHTTPClient(cfg.LLM.URL, cfg.LLM.Timeout, circuitbreaker.ForCapability("llm", breakers), logger)
		generator = client
		svc.register(health.NewPingChecker("llm", false, breakerOnly{}, client.Breaker()))
	}

	searcher := websearch.New(cfg.WebSearch.URL, cfg.WebSearch.APIKey, cfg.WebSearch.Timeout,
		circuitbreaker.ForCapability("web-search", breakers), logger)
	if b, ok := searcher.(interface {
		Breaker() *circuitbreaker.CircuitBreaker
	}); ok {
		svc.register(health.NewPingChecker("web_search", false, breakerOnly{}, b.Breaker()))
	}

	wh := warehouse.Connect(ctx, warehouse.Options{
		Driver:         cfg.Warehouse.Driver,
		DSN:            cfg.Warehouse.DSN,
		ConnectTimeout: cfg.Warehouse.ConnectTimeout,
		QueryTimeout:   cfg.Warehouse.QueryTimeout,
		MaxOpenConns:   cfg.Warehouse.MaxOpenConns,
	}, circuitbreaker.ForCapability("warehouse", breakers), logger)
	if c, ok := wh.(io.Closer); ok {
		svc.closers = append(svc.closers, c)
	}
	svc.register(health.NewWarehouseChecker(wh))
	svc.register(health.NewBreakerChecker(nil))

	catalog, err := loadCatalog(cfg.Sources.CatalogPath)
	if err != nil {
		return nil, err
	}
	scorer := metadata.DefaultScorer()
	if cfg.Sources.CredibilityPath != "" {
		if scorer, err = metadata.LoadCredibility(cfg.Sources.CredibilityPath); err != nil {
			return nil, err
		}
	}
	engine, err := policy.NewOPAEngine(policy.FromConfig(cfg.Policy), logger)
	if err != nil {
		return nil, err
	}
	svc.policy = engine

	a, err := agents.New(agents.Deps{
		Generator: generator,
		Catalog:   catalog,
		Policy:    engine,
		Gatherer:  gatherers.New(generator, searcher, wh, cfg.Gatherer, logger),
		Assembler: deliverable.NewAssembler(cfg.Deliverable, scorer, logger),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	def, err := a.Definition(cfg.Pipeline)
	if err != nil {
		return nil, err
	}

	sinks, err := svc.sinks(cfg, breakers)
	if err != nil {
		return nil, err
	}
	opts := []streaming.Option{streaming.WithDescriber(streaming.Describer{
		Title:     agents.Title,
		Summarize: agents.Summarize,
	})}
	if len(sinks) > 0 {
		opts = append(opts, streaming.WithSink(sinks))
	}
	svc.streams = streaming.NewManager(cfg.Streaming.BufferSize, logger, opts...)
	svc.orchestrator = pipeline.NewOrchestrator(def, logger, svc.streams.Observer())
	return svc, nil
}

func loadCatalog(path string) (*sources.Catalog, error) {
	if path == "" {
		return sources.Default()
	}
	return sources.Load(path)
}

// sinks connects the optional Redis and NATS event sinks.
func (s *service) sinks(cfg *config.Config, breakers circuitbreaker.Settings) (streaming.MultiSink, error) {
	var out streaming.MultiSink
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		wrapper := circuitbreaker.NewRedisWrapper(client, circuitbreaker.ForCapability("redis", breakers), s.logger)
		s.closers = append(s.closers, wrapper)
		sink := streaming.NewRedisSink(wrapper, cfg.Redis.Stream, cfg.Redis.MaxLen, s.logger)
		s.replayer = sink
		s.register(health.NewPingChecker("redis", false, sink, sink.Breaker()))
		out = append(out, sink)
	}
	if cfg.NATS.URL != "" {
		conn, err := streaming.ConnectNATS(cfg.NATS.URL, s.logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, closeFunc(func() error { return conn.Drain() }))
		s.register(health.NewCustomHealthChecker("nats", false, 0, func(context.Context) health.CheckResult {
			if conn.IsConnected() {
				return health.CheckResult{Status: health.StatusHealthy, Message: "NATS connected"}
			}
			return health.CheckResult{Status: health.StatusUnhealthy, Message: "NATS " + conn.Status().String()}
		}))
		out = append(out, streaming.NewNATSSink(conn, cfg.NATS.Subject))
	}
	return out, nil
}

func (s *service) register(c health.Checker) {
	if err := s.health.RegisterChecker(c); err != nil {
		s.logger.Warn("Health checker not registered", zap.Error(err))
	}
}

// Close releases connections in reverse order of creation.
func (s *service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("close service: %w", errors.Join(errs...))
	}
	return nil
}

// breakerOnly reports healthy; its PingChecker relies on the breaker state.
type breakerOnly struct{}

func (breakerOnly) Ping(context.Context) error { return nil }
