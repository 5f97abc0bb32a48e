// Package pipeline implements the admission flow for proxied catalog
// requests: resolve → rate limit → cache lookup → global budget → upstream
// fetch → cache write. Every store-backed step fails open: when the shared
// counter store is down the proxy keeps serving, it just stops shielding.
package pipeline

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gamely/gamely/internal/budget"
	"github.com/gamely/gamely/internal/cache"
	"github.com/gamely/gamely/internal/config"
	"github.com/gamely/gamely/internal/endpoint"
	"github.com/gamely/gamely/internal/observability"
	"github.com/gamely/gamely/internal/ratelimit"
	"github.com/gamely/gamely/internal/redis"
	"github.com/gamely/gamely/internal/upstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("gamely.pipeline")

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// requestIDRng is a goroutine-safe CSPRNG seeded from crypto/rand. ChaCha8
// avoids a syscall per ID, which matters under high concurrency.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

// generateRequestID creates a 16-byte hex-encoded random ID (128 bits).
func generateRequestID() string {
	var buf [16]byte
	for i := 0; i < len(buf); i += 8 {
		binary.LittleEndian.PutUint64(buf[i:], requestIDRng.Uint64())
	}
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to
// propagate. Rejects IDs that are too long or contain non-printable /
// injection characters.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// writeJSONError writes a {"error": ...} body with the given status.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	body, _ := json.Marshal(map[string]string{"error": message})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// outcome is the result of one collapsed upstream round. It is shared with
// every caller waiting on the same cache key, so it must be immutable once
// returned.
type outcome struct {
	status      int
	contentType string
	body        []byte
	fetched     bool // reached the upstream (as opposed to rejected before it)
	cacheable   bool // 2xx response that was offered to the cache
}

// Pipeline is the http.Handler for the proxied catalog surface. The request
// path must already be mount-relative (the server strips the /api prefix).
type Pipeline struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	// ipResolver is read on every request and swapped by Reload.
	ipResolver atomic.Pointer[ratelimit.ClientIPResolver]

	limiter *ratelimit.Limiter // nil when the store is not configured
	budget  *budget.Budget     // nil when the store is not configured
	store   *cache.Store
	fetcher *upstream.Fetcher

	cacheTTL  atomic.Int64 // nanoseconds
	opTimeout time.Duration

	// group collapses concurrent misses on the same cache key into a single
	// upstream fetch; only that fetch consumes budget.
	group singleflight.Group
}

// New wires the admission pipeline from its prebuilt components. The limiter
// and budget may be nil when the counter store is not configured; the cache
// store itself handles the disabled case internally.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	metrics *observability.Metrics,
	limiter *ratelimit.Limiter,
	bud *budget.Budget,
	store *cache.Store,
	fetcher *upstream.Fetcher,
) (*Pipeline, error) {
	ipr, err := ratelimit.NewClientIPResolver(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("client ip resolver: %w", err)
	}

	ttl, err := config.ParseDuration(cfg.Cache.TTL, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid cache ttl: %w", err)
	}

	opTimeout, err := config.ParseDuration(cfg.Redis.OpTimeout, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("invalid store op_timeout: %w", err)
	}

	p := &Pipeline{
		logger:    logger,
		metrics:   metrics,
		limiter:   limiter,
		budget:    bud,
		store:     store,
		fetcher:   fetcher,
		opTimeout: opTimeout,
	}
	p.ipResolver.Store(ipr)
	p.cacheTTL.Store(int64(ttl))

	store.OnHit = metrics.IncCacheHit
	store.OnMiss = metrics.IncCacheMiss
	store.OnStore = metrics.IncCacheStore
	store.OnStoreError = func(error) { metrics.IncStoreErrors() }

	return p, nil
}

// Reload applies hot-reloadable settings from a new config: rate-limit
// parameters, budget cap, cache TTL, and trusted-proxy ranges.
func (p *Pipeline) Reload(cfg *config.Config) error {
	ipr, err := ratelimit.NewClientIPResolver(cfg.RateLimit)
	if err != nil {
		return fmt.Errorf("reload client ip resolver: %w", err)
	}
	p.ipResolver.Store(ipr)

	if p.limiter != nil {
		window, werr := config.ParseDuration(cfg.RateLimit.Window, time.Hour)
		if werr != nil {
			return fmt.Errorf("reload rate-limit window: %w", werr)
		}
		p.limiter.SetLimit(cfg.RateLimit.Requests, window)
	}

	if p.budget != nil {
		window, werr := config.ParseDuration(cfg.Budget.Window, 24*time.Hour)
		if werr != nil {
			return fmt.Errorf("reload budget window: %w", werr)
		}
		p.budget.SetMax(cfg.Budget.MaxCalls, window)
	}

	ttl, err := config.ParseDuration(cfg.Cache.TTL, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("reload cache ttl: %w", err)
	}
	p.cacheTTL.Store(int64(ttl))

	return nil
}

// ServeHTTP runs one request through the admission pipeline.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// Propagate or generate X-Request-Id for request correlation. Validate
	// client-supplied IDs to prevent CRLF injection and log pollution.
	reqID := r.Header.Get(requestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
		r.Header.Set(requestIDHeader, reqID)
	}
	w.Header().Set(requestIDHeader, reqID)

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		p.observe("invalid", http.StatusMethodNotAllowed, start)
		return
	}

	resolved, rej := endpoint.Resolve(endpoint.SplitPath(r.URL.Path), r.URL.Query())
	if rej != nil {
		p.metrics.IncValidationRejected()
		p.logger.Debug("request rejected by resolver",
			"path", r.URL.Path, "status", rej.Status, "reason", rej.Message, "request_id", reqID)
		writeJSONError(w, rej.Status, rej.Message)
		p.observe("invalid", rej.Status, start)
		return
	}

	ctx, span := tracer.Start(r.Context(), "gamely.request",
		trace.WithAttributes(attribute.String("gamely.path", resolved.Path)))
	status := p.handle(ctx, w, r, resolved)
	span.SetAttributes(attribute.Int("http.status_code", status))
	span.End()

	p.observe(routeLabel(resolved.Path), status, start)
}

// handle runs the admitted request through rate limit, cache, budget, and
// upstream. Returns the status code written.
func (p *Pipeline) handle(ctx context.Context, w http.ResponseWriter, r *http.Request, resolved *endpoint.ResolvedRequest) int {
	if p.limiter != nil {
		client := p.ipResolver.Load().Resolve(r)
		opCtx, cancel := p.storeCtx(ctx)
		res, err := p.limiter.Allow(opCtx, client)
		cancel()

		switch {
		case err != nil:
			// Admission fails open: a down store must not take the proxy with it.
			p.storeDegraded("rate limit check", err)
		case !res.Allowed:
			p.metrics.IncRateLimited()
			retry := int64(math.Ceil(res.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
			writeJSONError(w, http.StatusTooManyRequests, "Too many requests")
			return http.StatusTooManyRequests
		default:
			p.metrics.ObserveRemaining(res.Remaining)
		}
	}

	key := cache.Key(resolved.Path, resolved.Query)

	opCtx, cancel := p.storeCtx(ctx)
	entry, _, ok := p.store.Get(opCtx, key)
	cancel()
	if ok {
		return p.serveHit(w, entry)
	}

	out := p.fetchShared(ctx, key, resolved)
	return p.serveOutcome(w, out)
}

// fetchShared collapses concurrent misses for the same key into one upstream
// round. The flight runs on a cancel-free context so that the first caller
// disconnecting does not fail everyone else waiting on the key; the fetch
// deadline still bounds the round.
func (p *Pipeline) fetchShared(ctx context.Context, key string, resolved *endpoint.ResolvedRequest) *outcome {
	flightCtx := context.WithoutCancel(ctx)
	v, _, _ := p.group.Do(key, func() (any, error) {
		return p.fetchOnce(flightCtx, key, resolved), nil
	})
	return v.(*outcome)
}

// fetchOnce spends budget and performs the single upstream fetch for a
// cache miss, writing the result back to the cache on success.
func (p *Pipeline) fetchOnce(ctx context.Context, key string, resolved *endpoint.ResolvedRequest) *outcome {
	if p.budget != nil {
		opCtx, cancel := p.storeCtx(ctx)
		res, err := p.budget.Consume(opCtx)
		cancel()

		switch {
		case err != nil:
			p.storeDegraded("budget check", err)
		case !res.Allowed:
			p.metrics.IncBudgetExhausted()
			p.logger.Warn("global call budget reached", "count", res.Count, "max", res.Max)
			return &outcome{
				status:      http.StatusServiceUnavailable,
				contentType: "application/json",
				body:        []byte(`{"error":"Global call budget reached"}`),
			}
		default:
			p.metrics.IncBudgetConsumed()
		}
	}

	fetchCtx, span := tracer.Start(ctx, "gamely.upstream",
		trace.WithAttributes(attribute.String("gamely.path", resolved.Path)))
	fetchStart := time.Now()
	resp, err := p.fetcher.Fetch(fetchCtx, resolved.Path, resolved.Query)
	p.metrics.PromUpstreamDuration.Observe(time.Since(fetchStart).Seconds())
	if err != nil {
		span.RecordError(err)
		span.End()
		p.metrics.IncUpstreamErrors()
		p.logger.Error("upstream fetch failed", "path", resolved.Path, "error", err)
		return &outcome{
			status:      http.StatusInternalServerError,
			contentType: "application/json",
			body:        []byte(`{"error":"Upstream error"}`),
		}
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	span.End()
	p.metrics.IncUpstreamCall(strconv.Itoa(resp.StatusCode))

	out := &outcome{
		status:      resp.StatusCode,
		contentType: resp.ContentType,
		body:        resp.Body,
		fetched:     true,
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out.cacheable = true
		opCtx, cancel := p.storeCtx(ctx)
		p.store.Set(opCtx, key, &cache.Entry{
			StatusCode:  resp.StatusCode,
			ContentType: resp.ContentType,
			Body:        resp.Body,
		}, p.ttl())
		cancel()
	}

	return out
}

// serveHit writes a cached response.
func (p *Pipeline) serveHit(w http.ResponseWriter, entry *cache.Entry) int {
	w.Header().Set("X-Cache", "HIT")
	w.Header().Set("Content-Type", contentTypeOrJSON(entry.ContentType))
	w.WriteHeader(entry.StatusCode)
	_, _ = w.Write(entry.Body)
	return entry.StatusCode
}

// serveOutcome writes a freshly fetched (or rejected) response. Cache
// directives are attached only to responses that were actually cached, so
// edge and browser caches never pin an upstream failure.
func (p *Pipeline) serveOutcome(w http.ResponseWriter, out *outcome) int {
	if out.cacheable {
		ttlSec := strconv.FormatInt(int64(math.Ceil(p.ttl().Seconds())), 10)
		w.Header().Set("Cache-Control", "public, max-age="+ttlSec)
		w.Header().Set("CDN-Cache-Control",
			"public, max-age="+ttlSec+", s-maxage="+ttlSec+", stale-while-revalidate")
		w.Header().Set("X-Cache", "MISS")
	}
	w.Header().Set("Content-Type", contentTypeOrJSON(out.contentType))
	w.WriteHeader(out.status)
	_, _ = w.Write(out.body)
	return out.status
}

// storeDegraded records a store failure that caused a pipeline step to fail
// open.
func (p *Pipeline) storeDegraded(step string, err error) {
	p.metrics.IncStoreErrors()
	if redis.IsConnectivityErr(err) {
		p.metrics.SetStoreHealthy(false)
	}
	p.logger.Warn("store unavailable, failing open", "step", step, "error", err)
}

// storeCtx bounds a single store round-trip so a degraded store cannot
// stall the request.
func (p *Pipeline) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.opTimeout)
}

func (p *Pipeline) ttl() time.Duration {
	return time.Duration(p.cacheTTL.Load())
}

func (p *Pipeline) observe(endpointLabel string, status int, start time.Time) {
	p.metrics.PromRequestDuration.
		WithLabelValues(endpointLabel, strconv.Itoa(status)).
		Observe(time.Since(start).Seconds())
}

func contentTypeOrJSON(ct string) string {
	if ct == "" {
		return "application/json"
	}
	return ct
}

// routeLabel maps a canonical path to a bounded metric label: slugs and ids
// are collapsed so per-game paths do not explode label cardinality.
func routeLabel(path string) string {
	switch {
	case path == "games" || path == "genres" || path == "platforms/lists/parents":
		return path
	case strings.HasSuffix(path, "/screenshots"):
		return "games/{id}/screenshots"
	case strings.HasSuffix(path, "/movies"):
		return "games/{id}/movies"
	default:
		return "games/{slug}"
	}
}
