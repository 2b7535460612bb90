package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ThrottledError reports that Key has used its admission budget. The event was
// not handled and should be offered again after RetryAfter.
type ThrottledError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("key %s throttled, retry in %v", e.Key, e.RetryAfter)
}

// IsThrottled returns the delay carried by a *ThrottledError in err's chain.
func IsThrottled(err error) (time.Duration, bool) {
	var te *ThrottledError
	if errors.As(err, &te) {
		return te.RetryAfter, true
	}
	return 0, false
}

// Router is the delivery path shared by every backend: resolve the handler, take
// the key's admission token, run the handler. A key without tokens is refused with
// a *ThrottledError so the backend can park the event and keep its worker free.
type Router struct {
	registry    *Registry
	limiter     *KeyedLimiter
	middlewares []Middleware
}

// Middleware decorates a handler. The first one passed to Use is the outermost.
type Middleware func(next Handler) Handler

func NewRouter(registry *Registry, limiter *KeyedLimiter) *Router {
	return &Router{registry: registry, limiter: limiter}
}

// Use appends middlewares. Call before delivery starts.
func (r *Router) Use(mw ...Middleware) {
	r.middlewares = append(r.middlewares, mw...)
}

func (r *Router) Deliver(ctx context.Context, ev *Event) error {
	h, err := r.registry.Lookup(ev.Name)
	if err != nil {
		return Permanent(err)
	}

	if r.limiter != nil && ev.Key != "" {
		if ok, wait := r.limiter.Admit(ev.Key); !ok {
			slog.DebugContext(ctx, "Event throttled",
				"event", ev.Name, "key", ev.Key, "retry_in", wait)
			return &ThrottledError{Key: ev.Key, RetryAfter: wait}
		}
	}

	for i := len(r.middlewares) - 1; i >= 0; i-- {
		h = r.middlewares[i](h)
	}
	return h(ctx, ev)
}
