package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Manager holds the current Config and hot-reloads the tunable subset when the
// config file changes on disk. Non-tunable fields keep their startup values.
type Manager struct {
	current  atomic.Pointer[Tunables]
	static   *Config
	path     string
	watcher  *fsnotify.Watcher
	handlers []func(Tunables)
	stopCh   chan struct{}
	started  bool
	logger   *zap.Logger
	mu       sync.Mutex
}

// NewManager wraps an already-loaded config. The manager is usable without
// Start; Tunables() then always returns the startup values.
func NewManager(cfg *Config, logger *zap.Logger) *Manager {
	m := &Manager{
		static: cfg,
		path:   ConfigFilePath(),
		stopCh: make(chan struct{}),
		logger: logger,
	}
	t := TunablesFrom(cfg)
	m.current.Store(&t)
	return m
}

// Config returns the startup configuration (not hot-reloaded).
func (m *Manager) Config() *Config { return m.static }

// Tunables returns the current hot-reloadable knobs.
func (m *Manager) Tunables() Tunables { return *m.current.Load() }

// OnChange registers a callback invoked after each successful reload.
func (m *Manager) OnChange(fn func(Tunables)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Start watches the config file's directory for changes. Watching the
// directory rather than the file survives editors that rename-on-save.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch config dir %s: %w", dir, err)
	}
	m.watcher = w
	m.started = true

	go m.watchLoop()

	m.logger.Info("Config watcher started",
		zap.String("file", m.path),
		zap.String("dir", dir),
	)
	return nil
}

// Stop terminates the watch loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	close(m.stopCh)
	if err := m.watcher.Close(); err != nil {
		m.logger.Error("Error closing config watcher", zap.Error(err))
	}
	m.started = false
}

func (m *Manager) watchLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.reload()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) reload() {
	cfg, err := Load()
	if err != nil {
		m.logger.Warn("Config reload rejected, keeping previous values",
			zap.String("file", m.path),
			zap.Error(err),
		)
		return
	}
	t := TunablesFrom(cfg)
	m.current.Store(&t)

	m.logger.Info("Config reloaded",
		zap.Int("max_tool_rounds", t.MaxToolRounds),
		zap.Duration("step_timeout", t.StepTimeout),
		zap.Bool("fail_fast", t.FailFast),
	)

	m.mu.Lock()
	handlers := make([]func(Tunables), len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(t)
	}
}
