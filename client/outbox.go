package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/veltalk/roomsync/domain"
	"github.com/veltalk/roomsync/internal/metrics"
	"github.com/veltalk/roomsync/pkg/log"
)

// RetryPolicy bounds the confirmation attempts for one remote
// mutation.
type RetryPolicy struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// Base is the delay before the first retry; it doubles per attempt.
	Base time.Duration
	// Cap bounds a single backoff delay.
	Cap time.Duration
	// AttemptTimeout is the per-attempt context deadline.
	AttemptTimeout time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.Base <= 0 {
		p.Base = 200 * time.Millisecond
	}
	if p.Cap <= 0 {
		p.Cap = 5 * time.Second
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = 10 * time.Second
	}
	return p
}

// delay returns the backoff before the given attempt, attempt >= 1.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		d = p.Cap
	}
	return d
}

// retryRemote runs fn until it succeeds, fails with a non-transient
// error, or exhausts the retry budget. Transient failures back off
// exponentially; cancelling ctx stops the loop.
func retryRemote(ctx context.Context, pol RetryPolicy, logger zerolog.Logger, op domain.Op, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= pol.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pol.delay(attempt)):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, pol.AttemptTimeout)
		start := time.Now()
		err := fn(attemptCtx)
		cancel()
		metrics.RemoteLatency.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.RemoteAttempts.WithLabelValues(string(op), "ok").Inc()
			return nil
		}
		lastErr = err

		switch {
		case domain.IsConflict(err):
			metrics.RemoteAttempts.WithLabelValues(string(op), "conflict").Inc()
			return err
		case domain.IsTransient(err) || errors.Is(err, context.DeadlineExceeded):
			metrics.RemoteAttempts.WithLabelValues(string(op), "transient").Inc()
			logger.Warn().Err(err).
				Str(log.FieldOp, string(op)).
				Int(log.FieldAttempt, attempt+1).
				Msg("remote attempt failed")
		default:
			metrics.RemoteAttempts.WithLabelValues(string(op), "error").Inc()
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

// outboxOp is one queued remote mutation. attempt runs once per try
// and reads the current local state itself, so late edits ride along;
// done receives the terminal result.
type outboxOp struct {
	op      domain.Op
	attempt func(ctx context.Context) error
	done    func(err error)
}

// outbox drains a session's remote mutations one at a time, in issue
// order, retrying transient failures.
type outbox struct {
	queue    chan *outboxOp
	pol      RetryPolicy
	logger   zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newOutbox(parent context.Context, queueSize int, pol RetryPolicy, logger zerolog.Logger) *outbox {
	if queueSize <= 0 {
		queueSize = 128
	}
	ctx, cancel := context.WithCancel(parent)
	return &outbox{
		queue:  make(chan *outboxOp, queueSize),
		pol:    pol,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (o *outbox) start() {
	o.wg.Add(1)
	go o.worker()
}

func (o *outbox) stop() {
	o.stopOnce.Do(func() {
		o.cancel()
		o.wg.Wait()
	})
}

// enqueue queues op without blocking. It fails when the session is
// closing or the queue is full.
func (o *outbox) enqueue(op *outboxOp) error {
	select {
	case <-o.ctx.Done():
		return domain.ErrRoomClosed
	default:
	}
	select {
	case o.queue <- op:
		return nil
	default:
		return fmt.Errorf("outbox queue is full")
	}
}

func (o *outbox) worker() {
	defer o.wg.Done()
	for {
		select {
		case op := <-o.queue:
			o.process(op)
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *outbox) process(op *outboxOp) {
	err := retryRemote(o.ctx, o.pol, o.logger, op.op, op.attempt)
	if err != nil && o.ctx.Err() != nil {
		return // session closed mid-flight; no terminal callback
	}
	op.done(err)
}
