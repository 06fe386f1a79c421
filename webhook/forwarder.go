// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxrelay/broker"
	"github.com/absmach/fluxrelay/config"
	"github.com/absmach/fluxrelay/server/otel"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Forwarder errors.
var (
	ErrQueueFull       = errors.New("forwarder queue full")
	ErrForwarderClosed = errors.New("forwarder closed")
)

// Drop reasons reported to metrics.
const (
	dropQueueFull   = "queue_full"
	dropCircuitOpen = "circuit_open"
	dropRetries     = "retries_exhausted"
	dropClosed      = "closed"
)

// Forwarder sends requests asynchronously. Dispatch never blocks the caller:
// requests are queued for a fixed worker pool, or each runs on its own
// goroutine when the pool size is zero. Failed requests are logged and
// dropped once retries are exhausted.
type Forwarder struct {
	cfg     config.ForwarderConfig
	sender  Sender
	logger  *slog.Logger
	metrics *otel.Metrics // nil if metrics disabled
	tracer  trace.Tracer  // nil if tracing disabled
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	mu     sync.RWMutex
	closed bool
	queue  chan job

	workers  sync.WaitGroup
	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

type job struct {
	req     *Request
	attempt int
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithMetrics records request metrics.
func WithMetrics(m *otel.Metrics) Option {
	return func(f *Forwarder) {
		f.metrics = m
	}
}

// WithTracer wraps every send in a span.
func WithTracer(t trace.Tracer) Option {
	return func(f *Forwarder) {
		f.tracer = t
	}
}

// NewForwarder creates a forwarder and starts its workers.
func NewForwarder(cfg config.ForwarderConfig, sender Sender, logger *slog.Logger, opts ...Option) (*Forwarder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, errors.New("sender cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Forwarder{
		cfg:    cfg,
		sender: sender,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(f)
	}

	if cfg.CircuitBreaker.Enabled {
		f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "webhook",
			MaxRequests: 1,
			Interval:    0,
			Timeout:     cfg.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.CircuitBreaker.FailureThreshold)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("name", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	if cfg.RateLimit.Enabled {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.Rate), cfg.RateLimit.Burst)
	}

	if cfg.Workers > 0 {
		f.queue = make(chan job, cfg.QueueSize)
		for i := 0; i < cfg.Workers; i++ {
			f.workers.Add(1)
			go f.worker()
		}
	}

	logger.Info("webhook forwarder started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.String("drop_policy", cfg.DropPolicy),
		slog.Bool("circuit_breaker", cfg.CircuitBreaker.Enabled),
		slog.Bool("rate_limit", cfg.RateLimit.Enabled))

	return f, nil
}

// Dispatch schedules req for delivery and returns immediately.
func (f *Forwarder) Dispatch(req *Request) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrForwarderClosed
	}
	if f.metrics != nil {
		f.metrics.RecordRequestDispatched()
	}
	return f.enqueue(job{req: req})
}

// enqueue must be called with f.mu held for reading.
func (f *Forwarder) enqueue(j job) error {
	if f.queue == nil {
		f.inflight.Add(1)
		go func() {
			defer f.inflight.Done()
			f.process(j)
		}()
		return nil
	}

	select {
	case f.queue <- j:
		return nil
	default:
	}

	if f.cfg.DropPolicy == config.DropOldest {
		select {
		case old := <-f.queue:
			f.dropped(old, dropQueueFull, ErrQueueFull)
		default:
		}
		select {
		case f.queue <- j:
			return nil
		default:
		}
	}

	f.dropped(j, dropQueueFull, ErrQueueFull)
	return ErrQueueFull
}

// QueueDepth returns the number of queued requests.
func (f *Forwarder) QueueDepth() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.queue)
}

func (f *Forwarder) worker() {
	defer f.workers.Done()

	for j := range f.queue {
		f.process(j)
	}
}

// process sends a request with retry logic.
func (f *Forwarder) process(j job) {
	if f.limiter != nil {
		if err := f.limiter.Wait(f.ctx); err != nil {
			f.dropped(j, dropClosed, err)
			return
		}
	}

	var err error
	if f.breaker != nil {
		_, err = f.breaker.Execute(func() (interface{}, error) {
			return nil, f.send(j)
		})
	} else {
		err = f.send(j)
	}
	if err == nil {
		return
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		f.dropped(j, dropCircuitOpen, err)
		return
	}

	if j.attempt >= f.cfg.Retry.MaxAttempts-1 || f.ctx.Err() != nil {
		f.dropped(j, dropRetries, err)
		return
	}

	j.attempt++
	delay := f.retryDelay(j.attempt)

	f.logger.Debug("webhook request failed, retrying",
		slog.String("url", j.req.URL()),
		slog.Int("attempt", j.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		f.requeue(j)
	})
}

func (f *Forwarder) requeue(j job) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		f.dropped(j, dropClosed, ErrForwarderClosed)
		return
	}
	_ = f.enqueue(j)
}

// send delivers one attempt.
func (f *Forwarder) send(j job) error {
	ctx, cancel := f.ctx, context.CancelFunc(func() {})
	if f.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(f.ctx, f.cfg.Timeout)
	}
	defer cancel()

	var span trace.Span
	if f.tracer != nil {
		ctx, span = f.tracer.Start(ctx, "webhook.send",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("http.method", j.req.Method),
				attribute.String("http.url", j.req.URL()),
				attribute.Int("http.request_content_length", len(j.req.Body)),
				attribute.Int("webhook.attempt", j.attempt),
			))
		defer span.End()
	}

	if f.metrics != nil {
		f.metrics.RecordRequestStarted()
	}
	start := time.Now()

	err := f.sender.Send(ctx, j.req)

	if f.metrics != nil {
		f.metrics.RecordRequestCompleted(err == nil, float64(time.Since(start).Microseconds())/1000)
	}
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if err != nil {
		return err
	}

	f.logger.Debug("webhook request delivered",
		slog.String("url", j.req.URL()),
		slog.Int("body_len", len(j.req.Body)))

	return nil
}

func (f *Forwarder) dropped(j job, reason string, err error) {
	if f.metrics != nil {
		f.metrics.RecordRequestDropped(reason)
	}
	f.logger.Error("webhook request dropped",
		slog.String("url", j.req.URL()),
		slog.String("reason", reason),
		slog.Int("attempts", j.attempt+1),
		slog.String("error", broker.NewError(broker.KindTransport, "dispatch", err).Error()))
}

// retryDelay calculates exponential backoff delay.
func (f *Forwarder) retryDelay(attempt int) time.Duration {
	delay := float64(f.cfg.Retry.InitialInterval)
	for i := 0; i < attempt; i++ {
		delay *= f.cfg.Retry.Multiplier
	}
	if limit := float64(f.cfg.Retry.MaxInterval); limit > 0 && delay > limit {
		delay = limit
	}
	return time.Duration(delay)
}

// Close stops accepting requests and waits up to the shutdown timeout for
// queued and in-flight requests to finish. Requests still running after the
// timeout are cancelled and the timeout is reported as an error.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	if f.queue != nil {
		close(f.queue)
	}
	f.mu.Unlock()

	f.logger.Info("shutting down webhook forwarder")

	done := make(chan struct{})
	go func() {
		f.workers.Wait()
		f.inflight.Wait()
		close(done)
	}()

	timeout := f.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	defer f.cancel()

	select {
	case <-done:
		f.logger.Info("webhook forwarder stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("forwarder drain after %s: %w", timeout, context.DeadlineExceeded)
	}
}
