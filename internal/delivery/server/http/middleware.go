package http

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/walkerhughes/agent-sandboxing/internal/infra/observability"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
	id "github.com/walkerhughes/agent-sandboxing/internal/shared/utils/id"
)

const logIDHeader = "X-Log-Id"

func resolveLogID(r *http.Request) string {
	for _, header := range []string{logIDHeader, "X-Request-Id", "X-Correlation-Id"} {
		if value := strings.TrimSpace(r.Header.Get(header)); value != "" {
			return value
		}
	}
	return ""
}

// requestLogging attaches a log id to the request context and logs the
// request once it completes. Probe endpoints log at debug.
func requestLogging(logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		logID := id.LogIDFromContext(ctx)
		if logID == "" {
			logID = resolveLogID(c.Request)
			if logID == "" {
				logID = id.NewLogID()
			}
			ctx = id.WithLogID(ctx, logID)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Header(logIDHeader, logID)

		started := time.Now()
		c.Next()

		reqLogger := logging.WithLogID(logger, logID)
		format := "[HTTP] %s %s -> %d (%s) from %s"
		args := []any{c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(started).Round(time.Microsecond), clientIP(c.Request)}
		switch c.Request.URL.Path {
		case "/health", "/metrics":
			reqLogger.Debug(format, args...)
		default:
			reqLogger.Info(format, args...)
		}
	}
}

// requestMetrics records request counts and latency by route template.
func requestMetrics(metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		metrics.RecordHTTP(c.Request.Method, c.FullPath(), strconv.Itoa(c.Writer.Status()), time.Since(started))
	}
}

// requestTracing opens a server span around each request.
func requestTracing(tracer *observability.TracerProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.StartSpan(c.Request.Context(), observability.SpanHTTPServer,
			attribute.String(observability.AttrHTTPMethod, c.Request.Method),
			attribute.String(observability.AttrHTTPRoute, c.FullPath()),
		)
		if sc := span.SpanContext(); sc.HasTraceID() {
			ctx = observability.ContextWithTraceID(ctx, sc.TraceID().String())
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int(observability.AttrHTTPStatus, status))
		var err error
		if status >= http.StatusInternalServerError {
			err = fmt.Errorf("status %d", status)
			if last := c.Errors.Last(); last != nil {
				err = last.Err
			}
		}
		observability.EndSpan(span, err)
	}
}

func recovery(logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.FromContext(c.Request.Context(), logger).Error("[HTTP] panic serving %s %s: %v", c.Request.Method, c.Request.URL.Path, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	})
}

// RateLimitConfig limits requests per client. RPS <= 0 disables limiting.
type RateLimitConfig struct {
	RPS             float64
	Burst           int
	EntryTTL        time.Duration
	CleanupInterval time.Duration
}

type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client key. Limits can change at
// runtime; existing buckets pick up the new rate on their next request.
type rateLimiter struct {
	mu              sync.Mutex
	limit           rate.Limit
	burst           int
	entries         map[string]*rateLimitEntry
	entryTTL        time.Duration
	cleanupInterval time.Duration
	lastCleanup     time.Time
	now             func() time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	ttl := cfg.EntryTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	cleanup := cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = 5 * time.Minute
	}
	r := &rateLimiter{
		entries:         make(map[string]*rateLimitEntry),
		entryTTL:        ttl,
		cleanupInterval: cleanup,
		lastCleanup:     time.Now(),
		now:             time.Now,
	}
	r.set(cfg.RPS, cfg.Burst)
	return r
}

func (r *rateLimiter) set(rps float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rps <= 0 {
		r.limit = rate.Inf
	} else {
		r.limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = max(1, int(rps))
	}
	r.burst = burst
}

func (r *rateLimiter) allow(key string) bool {
	if r == nil || key == "" {
		return true
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit == rate.Inf {
		return true
	}

	if now.Sub(r.lastCleanup) >= r.cleanupInterval {
		for k, entry := range r.entries {
			if now.Sub(entry.lastSeen) > r.entryTTL {
				delete(r.entries, k)
			}
		}
		r.lastCleanup = now
	}

	entry, ok := r.entries[key]
	if !ok {
		entry = &rateLimitEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = entry
	} else if entry.limiter.Limit() != r.limit || entry.limiter.Burst() != r.burst {
		entry.limiter.SetLimitAt(now, r.limit)
		entry.limiter.SetBurstAt(now, r.burst)
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (r *rateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.allow("ip:" + clientIP(c.Request)) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// clientIP extracts the client IP from common proxy headers or the remote address.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return strings.Trim(r.RemoteAddr, "[]")
}
