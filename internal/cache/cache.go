// Package cache stores serialized upstream responses in the shared store,
// fronted by an optional in-process L1 cache that absorbs hot keys without
// a network round-trip. The store remains the shared source of truth across
// proxy instances; the L1 layer is advisory and short-lived.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/gamely/gamely/internal/redis"
)

const keyPrefix = "gamely:cache:"

// Entry is a cached upstream response. The body is an opaque serialized
// blob; the cache never interprets it.
type Entry struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`

	// ExpiresAt (unix milliseconds) records when the store copy lapses. It
	// bounds L1 repopulation so an in-process copy cannot outlive the
	// configured cache lifetime.
	ExpiresAt int64 `json:"expires_at"`
}

// entryCost approximates the memory footprint of an entry for ristretto's
// eviction accounting.
func entryCost(e *Entry) int64 {
	return int64(len(e.Body) + len(e.ContentType) + 64)
}

// Store is the response cache. A nil store client disables caching
// entirely: every lookup misses and writes are dropped, L1 included,
// so all proxy instances stay consistent about what is cached.
type Store struct {
	client redis.Client
	l1     *ristretto.Cache[string, *Entry]
	l1TTL  time.Duration
	logger *slog.Logger

	OnHit        func(l1 bool)
	OnMiss       func()
	OnStore      func()
	OnStoreError func(err error)
}

// Option configures a Store.
type Option func(*Store)

// WithL1 enables the in-process front cache with the given entry budget
// and per-entry lifetime.
func WithL1(maxEntries int64, ttl time.Duration) Option {
	return func(s *Store) {
		if maxEntries <= 0 || ttl <= 0 {
			return
		}
		l1, err := ristretto.NewCache(&ristretto.Config[string, *Entry]{
			NumCounters: maxEntries * 10,
			MaxCost:     maxEntries * 16 << 10, // ~16KiB per catalog page
			BufferItems: 64,
		})
		if err != nil {
			// Only fails with invalid config; the values above are always valid.
			panic("ristretto: " + err.Error())
		}
		s.l1 = l1
		s.l1TTL = ttl
	}
}

// WithLogger sets the logger for debug/error messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a response cache backed by the given store client.
// Pass a nil client to run with caching disabled.
func NewStore(client redis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enabled reports whether a backing store is configured.
func (s *Store) Enabled() bool { return s.client != nil }

// Key derives the deterministic cache key for a canonical path and its
// filtered query. Query keys are sorted so that semantically identical
// queries with different insertion order hash identically, and names and
// values are escaped so a separator inside a value cannot collide with a
// structurally different query.
func Key(path string, query url.Values) string {
	var b strings.Builder
	b.WriteString(path)

	if len(query) > 0 {
		names := make([]string, 0, len(query))
		for name := range query {
			names = append(names, name)
		}
		sort.Strings(names)

		b.WriteByte('?')
		for i, name := range names {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(query.Get(name)))
		}
	}

	return b.String()
}

// Get retrieves a cached entry. Returns (entry, fromL1, true) on a hit.
// Store unavailability is a miss, never an error: the pipeline falls
// through to the upstream.
func (s *Store) Get(ctx context.Context, key string) (*Entry, bool, bool) {
	if s.client == nil {
		return nil, false, false
	}

	if s.l1 != nil {
		if e, found := s.l1.Get(key); found {
			if s.OnHit != nil {
				s.OnHit(true)
			}
			return e, true, true
		}
	}

	data, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if !redis.IsNilErr(err) {
			s.logger.Debug("cache: lookup degraded to miss", "key", key, "error", err)
			if s.OnStoreError != nil {
				s.OnStoreError(err)
			}
		}
		if s.OnMiss != nil {
			s.OnMiss()
		}
		return nil, false, false
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		s.logger.Debug("cache: unmarshal error", "key", key, "error", err)
		if s.OnMiss != nil {
			s.OnMiss()
		}
		return nil, false, false
	}

	if s.l1 != nil {
		if seedTTL := s.l1SeedTTL(&e); seedTTL > 0 {
			s.l1.SetWithTTL(key, &e, entryCost(&e), seedTTL)
		}
	}

	if s.OnHit != nil {
		s.OnHit(false)
	}
	return &e, false, true
}

// l1SeedTTL bounds how long a store-read entry may live in L1: never longer
// than the entry's remaining store lifetime.
func (s *Store) l1SeedTTL(e *Entry) time.Duration {
	ttl := s.l1TTL
	if e.ExpiresAt > 0 {
		remaining := time.Until(time.UnixMilli(e.ExpiresAt))
		if remaining <= 0 {
			return 0
		}
		if remaining < ttl {
			ttl = remaining
		}
	}
	return ttl
}

// Set stores an entry with the given lifetime. Best-effort: a failed write
// is logged and dropped, never surfaced to the caller.
func (s *Store) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) {
	if s.client == nil || ttl <= 0 {
		return
	}

	entry.ExpiresAt = time.Now().Add(ttl).UnixMilli()

	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Debug("cache: marshal error", "key", key, "error", err)
		return
	}

	if err := s.client.Set(ctx, keyPrefix+key, data, ttl).Err(); err != nil {
		s.logger.Debug("cache: write dropped", "key", key, "error", err)
		if s.OnStoreError != nil {
			s.OnStoreError(err)
		}
		return
	}

	if s.l1 != nil {
		l1TTL := s.l1TTL
		if ttl < l1TTL {
			l1TTL = ttl
		}
		s.l1.SetWithTTL(key, entry, entryCost(entry), l1TTL)
	}

	if s.OnStore != nil {
		s.OnStore()
	}
	s.logger.Debug("cache: stored", "key", key, "ttl", ttl, "body_size", len(entry.Body))
}

// Close releases the L1 cache resources.
func (s *Store) Close() {
	if s.l1 != nil {
		s.l1.Close()
	}
}
