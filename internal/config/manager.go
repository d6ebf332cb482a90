package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is called after a successful reload with the previous and the new config.
type ChangeHandler func(prev, next *Config)

// Manager keeps the current configuration and reloads it when the file changes.
// Readers call Current; the value is swapped atomically.
type Manager struct {
	path     string
	current  atomic.Pointer[Config]
	handlers []ChangeHandler
	logger   *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	started bool

	// Delay before reloading to absorb editors writing in several steps
	debounce time.Duration
}

// NewManager loads the configuration once and returns a manager for it.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	resolved, _ := ResolvePath(path)
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		path:     resolved,
		logger:   logger,
		stopCh:   make(chan struct{}),
		debounce: 50 * time.Millisecond,
	}
	m.current.Store(cfg)
	return m, nil
}

// Current returns the active configuration.
func (m *Manager) Current() *Config { return m.current.Load() }

// OnChange registers a handler. Register before Start.
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Start watches the directory of the config file until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory: editors replace files, which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	m.watcher = watcher
	m.started = true

	go m.watchLoop(ctx)

	m.logger.Info("Configuration manager started", zap.String("path", m.path))
	return nil
}

// Stop stops watching for configuration changes
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	close(m.stopCh)
	m.started = false
	if err := m.watcher.Close(); err != nil {
		m.logger.Error("Error closing file watcher", zap.Error(err))
		return err
	}
	m.logger.Info("Configuration manager stopped")
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	target := filepath.Clean(m.path)
	for {
		select {
		case <-ctx.Done():
			_ = m.Stop()
			return
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			time.Sleep(m.debounce)
			if err := m.Reload(); err != nil {
				m.logger.Error("Failed to reload configuration", zap.String("path", m.path), zap.Error(err))
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

// Reload re-reads the file. An invalid file keeps the previous configuration.
func (m *Manager) Reload() error {
	next, err := Load(m.path)
	if err != nil {
		return err
	}
	prev := m.current.Swap(next)

	m.mu.Lock()
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(prev, next)
	}

	m.logger.Info("Configuration reloaded",
		zap.String("path", m.path),
		zap.String("log_level", next.Logging.Level),
		zap.Int("max_revisions", next.Pipeline.MaxRevisions),
	)
	return nil
}
