package memoryhost

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/draftforge/handoff-go/sessions"
)

const defaultMaxSessions = 16384

type entry struct {
	version   int64
	payload   []byte
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Host implements sessions.Host in process memory.
type Host struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *entry]

	stopOnce sync.Once
	stop     chan struct{}
}

// Option configures a Host.
type Option func(*config)

type config struct {
	maxSessions   int
	sweepInterval time.Duration
}

// WithMaxSessions bounds how many sessions the cache holds before the
// least recently used one is evicted.
func WithMaxSessions(n int) Option {
	return func(c *config) { c.maxSessions = n }
}

// WithSweepInterval overrides how often the expiry sweeper runs.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepInterval = d }
}

// New creates an in-memory Host.
func New(opts ...Option) (*Host, error) {
	cfg := config{maxSessions: defaultMaxSessions, sweepInterval: time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}
	cache, err := lru.New[string, *entry](cfg.maxSessions)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	h := &Host{cache: cache, stop: make(chan struct{})}
	go h.sweep(cfg.sweepInterval)
	return h, nil
}

func (h *Host) GetSession(ctx context.Context, id string) (sessions.Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.cache.Get(id)
	if !ok {
		return sessions.Record{}, sessions.ErrSessionNotFound
	}
	if e.expired(time.Now()) {
		h.cache.Remove(id)
		return sessions.Record{}, sessions.ErrSessionNotFound
	}
	payload := make([]byte, len(e.payload))
	copy(payload, e.payload)
	return sessions.Record{Version: e.version, Payload: payload}, nil
}

func (h *Host) PutSession(ctx context.Context, id string, payload []byte, expectVersion int64, ttl time.Duration) error {
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.cache.Get(id)
	if ok && e.expired(now) {
		h.cache.Remove(id)
		ok = false
	}

	switch {
	case expectVersion == 0 && ok:
		return sessions.ErrSessionExists
	case expectVersion != 0 && !ok:
		return sessions.ErrSessionNotFound
	case expectVersion != 0 && e.version != expectVersion:
		return sessions.ErrVersionConflict
	}

	stored := &entry{version: expectVersion + 1, payload: make([]byte, len(payload))}
	copy(stored.payload, payload)
	if ttl > 0 {
		stored.expiresAt = now.Add(ttl)
	}
	h.cache.Add(id, stored)
	return nil
}

func (h *Host) DeleteSession(ctx context.Context, id string) error {
	h.mu.Lock()
	h.cache.Remove(id)
	h.mu.Unlock()
	return nil
}

func (h *Host) SessionTTL(ctx context.Context, id string) (time.Duration, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.cache.Peek(id)
	if !ok || e.expired(time.Now()) {
		return 0, sessions.ErrSessionNotFound
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return time.Until(e.expiresAt), nil
}

// Close stops the sweeper and drops all sessions.
func (h *Host) Close() error {
	h.stopOnce.Do(func() { close(h.stop) })
	h.mu.Lock()
	h.cache.Purge()
	h.mu.Unlock()
	return nil
}

// sweep periodically removes expired entries so they do not linger until
// LRU pressure evicts them.
func (h *Host) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}
		now := time.Now()
		h.mu.Lock()
		for _, id := range h.cache.Keys() {
			if e, ok := h.cache.Peek(id); ok && e.expired(now) {
				h.cache.Remove(id)
			}
		}
		h.mu.Unlock()
	}
}

var _ sessions.Host = (*Host)(nil)
