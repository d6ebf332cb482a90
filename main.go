package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/circuitbreaker"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/config"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/formatting"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/health"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/httpapi"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/metadata"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/state"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/streaming"
	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/tracing"
)

const appName = "research-orchestrator"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Multi-stage market research pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML); defaults to CONFIG_PATH or "+config.DefaultPath)

	cmd.AddCommand(serveCmd(&configPath), runCmd(&configPath))
	return cmd
}

// newLogger builds the process logger. The returned level can be changed at runtime.
func newLogger(cfg config.LoggingConfig) (*zap.Logger, zap.AtomicLevel, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))
	zc.Level = level
	zc.OutputPaths = []string{"stderr"}
	logger, err := zc.Build()
	return logger, level, err
}

func parseLevel(s string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(s))
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the research HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(*configPath)
		},
	}
}

func serve(configPath string) error {
	cfgMgr, err := config.NewManager(configPath, nil)
	if err != nil {
		return err
	}
	cfg := cfgMgr.Current()

	logger, level, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("Service close failed", zap.Error(err))
		}
	}()

	// Hot reload: log level and policy files. Pipeline knobs apply on restart.
	cfgMgr.OnChange(func(prev, next *config.Config) {
		if prev.Logging.Level != next.Logging.Level {
			level.SetLevel(parseLevel(next.Logging.Level))
			logger.Info("Log level changed", zap.String("level", next.Logging.Level))
		}
		if svc.policy.IsEnabled() {
			if err := svc.policy.LoadPolicies(); err != nil {
				logger.Error("Failed to reload policies after config change", zap.Error(err))
			}
		}
	})
	if err := cfgMgr.Start(ctx); err != nil {
		logger.Warn("Config manager start failed", zap.Error(err))
	}
	defer func() { _ = cfgMgr.Stop() }()

	circuitbreaker.StartMetricsCollection(ctx)
	svc.health.Start(ctx)
	defer svc.health.Stop()

	mux := http.NewServeMux()
	httpapi.NewResearchHandler(svc.orchestrator, svc.streams, logger).RegisterRoutes(mux)
	var replayer httpapi.Replayer
	if svc.replayer != nil {
		replayer = svc.replayer
	}
	httpapi.NewStreamingHandler(svc.streams, replayer, logger).RegisterRoutes(mux)
	health.NewHTTPHandler(svc.health, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           withRequestTimeout(cfg.Server.RequestTimeout, mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Research API listening", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown failed", zap.Error(err))
	}
	return nil
}

// withRequestTimeout bounds the context of every request. Streaming handlers
// observe the deadline through the request context.
func withRequestTimeout(d time.Duration, next http.Handler) http.Handler {
	if d <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func runCmd(configPath *string) *cobra.Command {
	var (
		stream  bool
		format  string
		locale  string
		trusted bool
		files   []string
	)
	cmd := &cobra.Command{
		Use:   "run [question]",
		Short: "Run one research pipeline and print the deliverable",
		Long: `Run executes the pipeline once. The question is read from the arguments,
or from stdin when no argument is given or the argument is "-".`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			question, err := readQuestion(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			in := state.Input{Question: question}
			if locale != "" || trusted {
				in.Profile = &state.UserProfile{Locale: locale, TrustedSourcesOnly: trusted}
			}
			for _, path := range files {
				content, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read attachment: %w", err)
				}
				in.Files = append(in.Files, state.UserFile{Filename: filepath.Base(path), Content: string(content)})
			}
			return runOnce(cmd.Context(), *configPath, in, stream, format, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&stream, "stream", false, "Print the progress timeline while the run executes")
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json or md")
	cmd.Flags().StringVar(&locale, "locale", "", "Report locale, e.g. fr-FR")
	cmd.Flags().BoolVar(&trusted, "trusted-only", false, "Restrict recommendations to trusted sources")
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "Attach a document (repeatable)")
	return cmd
}

func readQuestion(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	var b strings.Builder
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		b.WriteString(scanner.Text())
		b.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read question: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}

func runOnce(ctx context.Context, configPath string, in state.Input, stream bool, format string, stdout, stderr io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, _, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	var (
		rs     *state.RunState
		runErr error
	)
	if stream {
		for snap, err := range svc.orchestrator.Stream(ctx, in) {
			if snap != nil {
				rs = snap
				if evt, changed := svc.streams.PublishSnapshot(snap); changed {
					printStep(stderr, evt.Timeline[len(evt.Timeline)-1])
				}
			}
			if err != nil {
				runErr = err
			}
		}
	} else {
		rs, runErr = svc.orchestrator.Run(ctx, in)
	}
	if rs == nil {
		return runErr
	}
	svc.streams.Finish(rs.RunID, runErr)
	if runErr != nil {
		logger.Warn("Run ended early; printing partial result", zap.Error(runErr))
	}

	switch format {
	case "md", "markdown":
		if d := rs.Deliverable(); d != nil {
			_, err = io.WriteString(stdout, formatting.RenderMarkdown(d))
		} else {
			err = errors.New("run produced no deliverable")
		}
	default:
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(map[string]any{
			"run_id":        rs.RunID,
			"deliverable":   rs.Deliverable(),
			"review":        rs.Review(),
			"execution_log": rs.Log,
			"metadata":      metadata.AggregateRunMetadata(rs),
		})
	}
	if err != nil {
		return err
	}
	return runErr
}

func printStep(w io.Writer, step streaming.Step) {
	fmt.Fprintf(w, "[%s] %s: %s\n", step.Status, step.Title, step.Summary)
}
