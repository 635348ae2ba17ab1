// Package session stores research run state in Redis with a bounded local
// cache in front. With no Redis configured the manager runs cache-only, which
// is enough for a single-process deployment; state then dies with the process.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/metrics"
)

// Config holds session store settings.
type Config struct {
	// URL is a redis:// URL or a bare host:port. Empty disables Redis.
	URL      string
	TTL      time.Duration
	MaxLocal int
}

// Manager handles run state with a Redis backend and local cache.
type Manager struct {
	client      *redis.Client // nil in cache-only mode
	logger      *zap.Logger
	ttl         time.Duration
	mu          sync.RWMutex
	localCache  map[string]*Run
	cacheAccess map[string]time.Time
	maxLocal    int
}

// NewManager connects to Redis when a URL is configured and verifies the
// connection. An empty URL yields a cache-only manager.
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxLocal <= 0 {
		cfg.MaxLocal = 1000
	}

	m := &Manager{
		logger:      logger,
		ttl:         cfg.TTL,
		localCache:  make(map[string]*Run),
		cacheAccess: make(map[string]time.Time),
		maxLocal:    cfg.MaxLocal,
	}

	if cfg.URL != "" {
		opts, err := redisOptions(cfg.URL)
		if err != nil {
			return nil, err
		}
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		m.client = client
	} else {
		logger.Warn("no redis configured, run state is process-local")
	}

	return m, nil
}

func redisOptions(url string) (*redis.Options, error) {
	if strings.Contains(url, "://") {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:         url,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}, nil
}

// CreateRun registers a new run in the planning state.
func (m *Manager) CreateRun(ctx context.Context, query string) (*Run, error) {
	now := time.Now()
	run := &Run{
		ID:        "run-" + uuid.New().String(),
		Query:     query,
		Status:    StatusPlanning,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	m.mu.Lock()
	m.localCache[run.ID] = cloneRun(run)
	m.cacheAccess[run.ID] = now
	m.cleanupLocalCache()
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	m.mu.Unlock()

	// Cache first: a Redis outage must not block new runs.
	if err := m.saveRun(ctx, run); err != nil {
		m.logger.Warn("run not persisted to redis",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}

	m.logger.Info("created run",
		zap.String("run_id", run.ID),
		zap.String("query", query))
	metrics.SessionsCreated.Inc()

	return cloneRun(run), nil
}

// GetRun retrieves a run by ID. Callers get their own copy.
func (m *Manager) GetRun(ctx context.Context, runID string) (*Run, error) {
	m.mu.RLock()
	cached, ok := m.localCache[runID]
	m.mu.RUnlock()
	if ok {
		metrics.SessionCacheHits.Inc()
		if cached.IsExpired() {
			_ = m.DeleteRun(ctx, runID)
			return nil, ErrRunExpired
		}
		m.mu.Lock()
		m.cacheAccess[runID] = time.Now()
		run := cloneRun(m.localCache[runID])
		m.mu.Unlock()
		if run == nil {
			return nil, ErrRunNotFound
		}
		return run, nil
	}
	metrics.SessionCacheMisses.Inc()

	if m.client == nil {
		return nil, ErrRunNotFound
	}

	data, err := m.client.Get(ctx, runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRunNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	if run.IsExpired() {
		_ = m.DeleteRun(ctx, runID)
		return nil, ErrRunExpired
	}

	m.mu.Lock()
	m.localCache[runID] = cloneRun(&run)
	m.cacheAccess[runID] = time.Now()
	m.cleanupLocalCache()
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	m.mu.Unlock()

	return &run, nil
}

// UpdateRun persists the run and refreshes the cache. The cache is updated
// even when the Redis write fails, so reads keep seeing progress during an
// outage; the error is returned for the caller to log.
func (m *Manager) UpdateRun(ctx context.Context, run *Run) error {
	if run == nil {
		return fmt.Errorf("run is nil")
	}
	run.UpdatedAt = time.Now()

	m.mu.Lock()
	m.localCache[run.ID] = cloneRun(run)
	m.cacheAccess[run.ID] = time.Now()
	m.mu.Unlock()

	if err := m.saveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// DeleteRun removes the run from Redis and the cache.
func (m *Manager) DeleteRun(ctx context.Context, runID string) error {
	if m.client != nil {
		if err := m.client.Del(ctx, runKey(runID)).Err(); err != nil {
			return fmt.Errorf("failed to delete run: %w", err)
		}
	}
	m.mu.Lock()
	delete(m.localCache, runID)
	delete(m.cacheAccess, runID)
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	m.mu.Unlock()
	return nil
}

// Ping verifies the Redis connection. Cache-only managers are always healthy.
func (m *Manager) Ping(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (m *Manager) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

func runKey(runID string) string {
	return "run:" + runID
}

func (m *Manager) saveRun(ctx context.Context, run *Run) error {
	if m.client == nil {
		return nil
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	ttl := time.Until(run.ExpiresAt)
	if ttl <= 0 {
		ttl = m.ttl
	}
	return m.client.Set(ctx, runKey(run.ID), data, ttl).Err()
}

// cleanupLocalCache evicts the least recently used half once the cache
// exceeds its bound. Callers must hold m.mu.
func (m *Manager) cleanupLocalCache() {
	if len(m.localCache) <= m.maxLocal {
		return
	}
	type accessEntry struct {
		id   string
		time time.Time
	}
	entries := make([]accessEntry, 0, len(m.localCache))
	for id := range m.localCache {
		entries = append(entries, accessEntry{id: id, time: m.cacheAccess[id]})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].time.Before(entries[j].time)
	})
	toRemove := m.maxLocal / 2
	if toRemove < 1 {
		toRemove = 1
	}
	for i := 0; i < toRemove && i < len(entries); i++ {
		delete(m.localCache, entries[i].id)
		delete(m.cacheAccess, entries[i].id)
		metrics.SessionCacheEvictions.Inc()
	}
}

// cloneRun copies a run so cache entries are never shared with callers.
func cloneRun(r *Run) *Run {
	if r == nil {
		return nil
	}
	out := *r
	if r.Steps != nil {
		out.Steps = append([]Step(nil), r.Steps...)
	}
	if r.GapNotes != nil {
		out.GapNotes = append([]string(nil), r.GapNotes...)
	}
	return &out
}
