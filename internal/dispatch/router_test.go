package dispatch

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRouter_UnknownEventIsPermanent(t *testing.T) {
	router := NewRouter(NewRegistry(), nil)
	ev, _ := NewEvent("missing", "k", nil)

	err := router.Deliver(context.Background(), ev)
	if !IsPermanent(err) {
		t.Fatalf("Deliver() = %v, want permanent error", err)
	}
}

func TestRouter_MiddlewareOrder(t *testing.T) {
	reg := NewRegistry()
	var trail []string
	reg.Register("ev", func(ctx context.Context, ev *Event) error {
		trail = append(trail, "handler")
		return nil
	})

	mark := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, ev *Event) error {
				trail = append(trail, name)
				return next(ctx, ev)
			}
		}
	}

	router := NewRouter(reg, nil)
	router.Use(mark("outer"), mark("inner"))

	ev, _ := NewEvent("ev", "k", nil)
	if err := router.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("Deliver() = %v", err)
	}
	if got := strings.Join(trail, ","); got != "outer,inner,handler" {
		t.Errorf("call order = %s, want outer,inner,handler", got)
	}
}

func TestRouter_ThrottledEventIsNotHandled(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	reg.Register("ev", func(ctx context.Context, ev *Event) error {
		calls++
		return nil
	})
	router := NewRouter(reg, NewKeyedLimiter(ThrottleConfig{Limit: 1, Period: time.Hour}))

	ev, _ := NewEvent("ev", "u1", nil)
	if err := router.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("first Deliver() = %v", err)
	}

	err := router.Deliver(context.Background(), ev)
	wait, ok := IsThrottled(err)
	if !ok {
		t.Fatalf("second Deliver() = %v, want throttled", err)
	}
	if wait <= 0 {
		t.Errorf("retry after = %v, want > 0", wait)
	}
	if IsPermanent(err) {
		t.Error("throttling must not be permanent")
	}
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}

	// Events without a key bypass admission.
	free, _ := NewEvent("ev", "", nil)
	if err := router.Deliver(context.Background(), free); err != nil {
		t.Errorf("Deliver() without key = %v", err)
	}
}
