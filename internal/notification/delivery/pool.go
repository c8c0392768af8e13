// Package delivery runs dispatch tasks on a fixed set of workers with a
// bounded queue, retrying transient gateway failures with exponential backoff.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shandysiswandi/notifyd/internal/notification/dispatch"
	"github.com/shandysiswandi/notifyd/internal/notification/outbound/gateway"
	"github.com/shandysiswandi/notifyd/internal/pkg/instrument"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"
)

var (
	// ErrBackpressure is returned by Submit under PolicyShed when the queue is full.
	ErrBackpressure = errors.New("delivery: queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("delivery: pool closed")
	// ErrInvalidConfig wraps configuration problems found by New.
	ErrInvalidConfig = errors.New("delivery: invalid config")
)

// Policy decides what Submit does when the queue is full.
type Policy string

const (
	// PolicyBlock waits for queue space or for the caller's context to end.
	PolicyBlock Policy = "block"
	// PolicyShed fails fast with ErrBackpressure.
	PolicyShed Policy = "shed"
)

// Sender delivers rendered content. Errors are classified with
// gateway.IsPermanent; anything not permanent is retried.
type Sender interface {
	Send(ctx context.Context, ch dispatch.Channel, recipient string, content dispatch.Content) error
}

type Config struct {
	Workers     int
	QueueSize   int
	Policy      Policy
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// JitterPercent randomizes each backoff by up to this percentage.
	JitterPercent uint64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.Policy == "" {
		c.Policy = PolicyBlock
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	c.MaxDelay = max(c.MaxDelay, c.BaseDelay)
	return c
}

type Dependency struct {
	Sender     Sender
	Instrument instrument.Instrumentation
	Config     Config
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Workers   int   `json:"workers"`
	QueueSize int   `json:"queueSize"`
	Queued    int   `json:"queued"`
	InFlight  int64 `json:"inFlight"`
	Submitted int64 `json:"submitted"`
	Done      int64 `json:"done"`
	Failed    int64 `json:"failed"`
	Shed      int64 `json:"shed"`
}

type job struct {
	ctx    context.Context
	task   dispatch.Task
	future *Future
}

type Pool struct {
	sender Sender
	cfg    Config

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup

	inFlight  *atomic.Int64
	submitted *atomic.Int64
	done      *atomic.Int64
	failed    *atomic.Int64
	shed      *atomic.Int64

	taskCounter    metric.Int64Counter
	attemptCounter metric.Int64Counter
	duration       metric.Float64Histogram
}

// New starts cfg.Workers workers. Call Close to drain them.
func New(dep Dependency) (*Pool, error) {
	if dep.Sender == nil {
		return nil, fmt.Errorf("%w: sender is required", ErrInvalidConfig)
	}
	cfg := dep.Config.withDefaults()
	if cfg.Policy != PolicyBlock && cfg.Policy != PolicyShed {
		return nil, fmt.Errorf("%w: unknown policy %q", ErrInvalidConfig, cfg.Policy)
	}

	ins := dep.Instrument
	if ins == nil {
		ins = instrument.NewNoop()
	}

	p := &Pool{
		sender:    dep.Sender,
		cfg:       cfg,
		queue:     make(chan job, cfg.QueueSize),
		inFlight:  atomic.NewInt64(0),
		submitted: atomic.NewInt64(0),
		done:      atomic.NewInt64(0),
		failed:    atomic.NewInt64(0),
		shed:      atomic.NewInt64(0),
	}
	if err := p.initMetrics(ins.Meter("notification.delivery")); err != nil {
		return nil, err
	}

	for range cfg.Workers {
		p.wg.Go(p.work)
	}
	return p, nil
}

func (p *Pool) initMetrics(meter metric.Meter) error {
	var err error
	if p.taskCounter, err = meter.Int64Counter("delivery.tasks",
		metric.WithDescription("Tasks finished by status and reason")); err != nil {
		return fmt.Errorf("delivery: task counter: %w", err)
	}
	if p.attemptCounter, err = meter.Int64Counter("delivery.attempts",
		metric.WithDescription("Gateway calls made")); err != nil {
		return fmt.Errorf("delivery: attempt counter: %w", err)
	}
	if p.duration, err = meter.Float64Histogram("delivery.duration",
		metric.WithDescription("Time from dequeue to terminal state"), metric.WithUnit("ms")); err != nil {
		return fmt.Errorf("delivery: duration histogram: %w", err)
	}
	_, err = meter.Int64ObservableGauge("delivery.queue.depth",
		metric.WithDescription("Tasks waiting for a worker"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(p.queue)))
			return nil
		}))
	if err != nil {
		return fmt.Errorf("delivery: queue gauge: %w", err)
	}
	return nil
}

// Submit enqueues task. The task runs under ctx: when ctx ends before the
// task reaches a terminal state the result is FAILED(timeout).
func (p *Pool) Submit(ctx context.Context, task dispatch.Task) (*Future, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrClosed
	}

	j := job{ctx: ctx, task: task, future: newFuture(task)}
	if p.cfg.Policy == PolicyShed {
		select {
		case p.queue <- j:
		default:
			p.shed.Inc()
			return nil, ErrBackpressure
		}
	} else {
		select {
		case p.queue <- j:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.submitted.Inc()
	return j.future, nil
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.cfg.Workers,
		QueueSize: p.cfg.QueueSize,
		Queued:    len(p.queue),
		InFlight:  p.inFlight.Load(),
		Submitted: p.submitted.Load(),
		Done:      p.done.Load(),
		Failed:    p.failed.Load(),
		Shed:      p.shed.Load(),
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

func (p *Pool) work() {
	for j := range p.queue {
		p.inFlight.Inc()
		start := time.Now()

		res := p.deliver(j.ctx, j.task)

		p.inFlight.Dec()
		p.record(j.ctx, res, time.Since(start))
		j.future.complete(res)
	}
}

func (p *Pool) backoff() retry.Backoff {
	b := retry.NewExponential(p.cfg.BaseDelay)
	if p.cfg.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.cfg.JitterPercent, b)
	}
	b = retry.WithCappedDuration(p.cfg.MaxDelay, b)
	return retry.WithMaxRetries(uint64(p.cfg.MaxAttempts-1), b)
}

// deliver calls the sender until success, a permanent failure, exhaustion of
// MaxAttempts or the end of ctx. Attempts are strictly sequential.
func (p *Pool) deliver(ctx context.Context, task dispatch.Task) Result {
	if err := ctx.Err(); err != nil {
		return failed(task, ReasonTimeout, err)
	}

	attrs := metric.WithAttributes(attribute.String("channel", task.Channel.String()))
	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		task.Attempts++
		p.attemptCounter.Add(ctx, 1, attrs)

		err := p.sender.Send(ctx, task.Channel, task.Recipient, task.Content)
		if err == nil || gateway.IsPermanent(err) {
			return err
		}
		slog.DebugContext(ctx, "delivery: transient failure",
			"task_id", task.ID, "event_id", task.EventID, "attempt", task.Attempts, "error", err)
		return retry.RetryableError(err)
	})

	switch {
	case err == nil:
		return Result{Task: task, Status: StatusDone}
	case gateway.IsPermanent(err):
		return failed(task, ReasonPermanent, err)
	case ctx.Err() != nil:
		return failed(task, ReasonTimeout, errors.Join(ctx.Err(), err))
	default:
		return failed(task, ReasonTransientExhausted, err)
	}
}

func (p *Pool) record(ctx context.Context, res Result, elapsed time.Duration) {
	if res.Done() {
		p.done.Inc()
	} else {
		p.failed.Inc()
		slog.WarnContext(ctx, "delivery: task failed",
			"task_id", res.Task.ID,
			"event_id", res.Task.EventID,
			"channel", res.Task.Channel,
			"attempts", res.Task.Attempts,
			"reason", res.Reason,
			"error", res.Err,
		)
	}

	// The task context may already be done; metrics must still be recorded.
	mctx := context.WithoutCancel(ctx)
	attrs := metric.WithAttributes(
		attribute.String("channel", res.Task.Channel.String()),
		attribute.String("status", string(res.Status)),
		attribute.String("reason", string(res.Reason)),
	)
	p.taskCounter.Add(mctx, 1, attrs)
	p.duration.Record(mctx, float64(elapsed.Microseconds())/1000, attrs)
}
