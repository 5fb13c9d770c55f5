package realtime

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type HandlerFunc func(ctx *Context, env RawEnvelope) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(m ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(m) - 1; i >= 0; i-- {
			next = m[i](next)
		}
		return next
	}
}

func RecoverMiddleware(logger Logger) Middleware {
	if logger == nil {
		logger = noopLogger{}
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx *Context, env RawEnvelope) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic recovered in handler",
						"type", env.Type, "panic", r)
					err = ErrInvalidPayload
				}
			}()
			return next(ctx, env)
		}
	}
}

func LoggingMiddleware(logger Logger) Middleware {
	if logger == nil {
		logger = noopLogger{}
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx *Context, env RawEnvelope) error {
			start := time.Now()
			err := next(ctx, env)
			if err != nil {
				logger.Error("handler failed",
					"type", env.Type, "user_id", ctx.Conn.UserID(),
					"latency", time.Since(start), "err", err)
			}
			return err
		}
	}
}

// KeyedLimiter holds one token-bucket limiter per key (typically a user id).
type KeyedLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func NewKeyedLimiter(ratePerSec float64, burst int) *KeyedLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &KeyedLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(ratePerSec),
		burst:   burst,
	}
}

func (l *KeyedLimiter) Allow(key string) bool {
	if key == "" {
		key = "anonymous"
	}

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	return b.Allow()
}

func RateLimitMiddleware(limiter *KeyedLimiter) Middleware {
	if limiter == nil {
		return func(next HandlerFunc) HandlerFunc { return next }
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx *Context, env RawEnvelope) error {
			if !limiter.Allow(string(ctx.Conn.UserID())) {
				return ErrRateLimited
			}
			return next(ctx, env)
		}
	}
}
