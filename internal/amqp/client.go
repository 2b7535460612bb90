package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"fintrack/internal/dispatch"
)

// Circuit breaker states
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures = 5
	openTimeout = 30 * time.Second
)

// Client publishes dispatch events to a durable direct exchange and consumes them
// back with manual acknowledgement.
type Client struct {
	url          string
	exchangeName string
	queueName    string
	prefetch     int

	mu      sync.RWMutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	failureCount int64
	state        int32
	lastFailure  time.Time
}

func NewClient(url, exchangeName, queueName string, prefetch int) (*Client, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	client := &Client{
		url:          url,
		exchangeName: exchangeName,
		queueName:    queueName,
		prefetch:     prefetch,
	}

	if err := client.connect(); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *Client) connect() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := setup(channel, c.exchangeName, c.queueName, c.prefetch); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("setup exchange and queue: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = channel
	c.mu.Unlock()
	return nil
}

func setup(ch *amqp091.Channel, exchangeName, queueName string, prefetch int) error {
	err := ch.ExchangeDeclare(
		exchangeName, // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	// Parked events expire out of the delay queue back onto the work queue.
	_, err = ch.QueueDeclare(
		delayQueueName(queueName),
		true,
		false,
		false,
		false,
		amqp091.Table{
			"x-dead-letter-exchange":    exchangeName,
			"x-dead-letter-routing-key": queueName,
		},
	)
	if err != nil {
		return fmt.Errorf("declare delay queue: %w", err)
	}

	// routing key is the queue name
	if err := ch.QueueBind(queueName, queueName, exchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	return nil
}

// reconnect replaces a dead connection, backing off between attempts until ctx ends.
func (c *Client) reconnect(ctx context.Context) error {
	c.closeConn()
	for attempt := 0; ; attempt++ {
		err := c.connect()
		if err == nil {
			slog.InfoContext(ctx, "Reconnected to AMQP broker", "attempt", attempt+1)
			c.recordSuccess()
			return nil
		}
		c.recordFailure()

		delay := exponentialBackoff(attempt)
		slog.WarnContext(ctx, "AMQP reconnect failed",
			"attempt", attempt+1,
			"retry_in", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Send publishes events; it makes Client a dispatch.Sender.
func (c *Client) Send(ctx context.Context, events ...*dispatch.Event) error {
	for _, ev := range events {
		if err := c.Publish(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Publish sends one persistent event. It fails fast while the circuit is open.
func (c *Client) Publish(ctx context.Context, ev *dispatch.Event) error {
	msg, err := toPublishing(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.publish(ctx, ev, c.exchangeName, c.queueName, msg)
}

// PublishDelayed parks ev in the delay queue; the broker moves it back to the work
// queue once delay has passed.
func (c *Client) PublishDelayed(ctx context.Context, ev *dispatch.Event, delay time.Duration) error {
	msg, err := toDelayedPublishing(ev, delay)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.publish(ctx, ev, "", delayQueueName(c.queueName), msg)
}

func (c *Client) publish(ctx context.Context, ev *dispatch.Event, exchange, key string, msg amqp091.Publishing) error {
	if c.isCircuitOpen() {
		return fmt.Errorf("circuit breaker is open, refusing to publish %s", ev.Name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()
	if ch == nil {
		c.recordFailure()
		return fmt.Errorf("publish %s: channel not open", ev.Name)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := ch.PublishWithContext(
		pubCtx,
		exchange, // exchange
		key,      // routing key
		false,    // mandatory
		false,    // immediate
		msg,
	)
	if err != nil {
		c.recordFailure()
		return fmt.Errorf("publish message: %w", err)
	}
	c.recordSuccess()

	slog.DebugContext(ctx, "Published event",
		"event", ev.Name,
		"event_id", ev.ID,
		"attempt", ev.Attempt,
		"routing_key", key,
		"expiration", msg.Expiration)
	return nil
}

// Consume delivers queued events through router with the given number of concurrent
// workers until ctx is cancelled. A dropped connection is re-established.
func (c *Client) Consume(ctx context.Context, router *dispatch.Router, policy dispatch.RetryPolicy, workers int) error {
	if workers <= 0 {
		workers = 1
	}

	for {
		c.mu.RLock()
		ch := c.channel
		c.mu.RUnlock()
		if ch == nil {
			if err := c.reconnect(ctx); err != nil {
				return err
			}
			continue
		}

		msgs, err := ch.Consume(
			c.queueName, // queue
			"",          // consumer
			false,       // auto-ack
			false,       // exclusive
			false,       // no-local
			false,       // no-wait
			nil,         // args
		)
		if err != nil {
			if !isConnectionError(err) {
				return fmt.Errorf("start consuming: %w", err)
			}
			if err := c.reconnect(ctx); err != nil {
				return err
			}
			continue
		}
		slog.InfoContext(ctx, "Started consuming events", "queue", c.queueName, "workers", workers)

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.consumeLoop(ctx, msgs, router, policy)
			}()
		}
		wg.Wait()

		if ctx.Err() != nil {
			slog.InfoContext(ctx, "Stopping event consumption", "reason", ctx.Err())
			return ctx.Err()
		}

		slog.WarnContext(ctx, "AMQP delivery channel closed, reconnecting", "queue", c.queueName)
		if err := c.reconnect(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) consumeLoop(ctx context.Context, msgs <-chan amqp091.Delivery, router *dispatch.Router, policy dispatch.RetryPolicy) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-msgs:
			if !ok {
				return
			}
			c.handle(ctx, delivery, router, policy)
		}
	}
}

// step is what a consumer does with a delivery once the router returned.
type step int

const (
	stepAck step = iota
	stepDrop
	stepDefer
)

// nextStep maps a delivery result to an action. Deferred events are republished
// after the returned delay; a throttled event gets its attempt back since it was
// never handled.
func nextStep(ev *dispatch.Event, err error, policy dispatch.RetryPolicy) (step, time.Duration) {
	if err == nil {
		return stepAck, 0
	}
	if wait, ok := dispatch.IsThrottled(err); ok {
		ev.Attempt--
		return stepDefer, wait
	}
	if !policy.ShouldRetry(err, ev.Attempt) {
		return stepDrop, 0
	}
	return stepDefer, policy.Backoff(ev.Attempt - 1)
}

func (c *Client) handle(ctx context.Context, delivery amqp091.Delivery, router *dispatch.Router, policy dispatch.RetryPolicy) {
	ev, err := fromDelivery(delivery)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to decode event", "error", err)
		delivery.Nack(false, false) // reject and don't requeue
		return
	}

	ev.Attempt++
	err = router.Deliver(ctx, ev)

	action, delay := nextStep(ev, err, policy)
	switch action {
	case stepAck:
		delivery.Ack(false)
	case stepDrop:
		slog.ErrorContext(ctx, "Event dropped",
			"event", ev.Name,
			"event_id", ev.ID,
			"attempt", ev.Attempt,
			"permanent", dispatch.IsPermanent(err),
			"error", err)
		delivery.Nack(false, false)
	case stepDefer:
		if _, throttled := dispatch.IsThrottled(err); !throttled {
			slog.WarnContext(ctx, "Event delivery failed, retrying",
				"event", ev.Name,
				"event_id", ev.ID,
				"attempt", ev.Attempt,
				"retry_in", delay,
				"error", err)
		}
		// Park a copy in the delay queue, then drop the original.
		if err := c.PublishDelayed(ctx, ev, delay); err != nil {
			slog.ErrorContext(ctx, "Failed to defer event", "event_id", ev.ID, "error", err)
			delivery.Nack(false, true)
			return
		}
		delivery.Ack(false)
	}
}

func (c *Client) recordFailure() {
	count := atomic.AddInt64(&c.failureCount, 1)
	c.mu.Lock()
	c.lastFailure = time.Now()
	c.mu.Unlock()
	if count >= maxFailures {
		if atomic.SwapInt32(&c.state, StateOpen) != StateOpen {
			slog.Warn("AMQP circuit breaker opened", "failures", count)
		}
	}
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

// isCircuitOpen reports whether publishing should be refused. An open circuit moves
// to half-open once openTimeout has passed since the last failure.
func (c *Client) isCircuitOpen() bool {
	if atomic.LoadInt32(&c.state) != StateOpen {
		return false
	}
	c.mu.RLock()
	last := c.lastFailure
	c.mu.RUnlock()
	if time.Since(last) > openTimeout {
		atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
		return false
	}
	return true
}

// exponentialBackoff returns 1s doubled per attempt, capped at 30s.
func exponentialBackoff(attempt int) time.Duration {
	if attempt > 5 {
		return 30 * time.Second
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection", "eof", "broken pipe", "closed network"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) Close() error {
	c.closeConn()
	return nil
}
