// Package driver runs the poll, handle, acknowledge loop shared by the
// orchestrator and every role worker.
package driver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hiveforge/hiveforge/internal/config"
	"github.com/hiveforge/hiveforge/internal/domain"
	"github.com/hiveforge/hiveforge/internal/mailbox"
	"github.com/hiveforge/hiveforge/internal/metrics"
)

// Handler processes one claimed message. A non-nil error leaves the
// message unacknowledged so a later poll redelivers it.
type Handler func(ctx context.Context, msg domain.Message) error

// Driver polls one recipient's mailbox and feeds each message to Handler.
type Driver struct {
	Mailbox   mailbox.Mailbox
	Recipient string
	Handler   Handler
	Config    config.DriverConfig
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	sleep    func(ctx context.Context, d time.Duration) bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Driver. Zero config fields fall back to a batch of 10, 700ms
// idle sleep (800ms for the orchestrator) and a 1s..8s poll backoff.
func New(mb mailbox.Mailbox, recipient string, h Handler, cfg config.DriverConfig, m *metrics.Metrics, logger *slog.Logger) *Driver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.IdleIntervalMs <= 0 {
		cfg.IdleIntervalMs = 700
	}
	if cfg.OrchestratorIdleIntervalMs <= 0 {
		cfg.OrchestratorIdleIntervalMs = 800
	}
	if cfg.BackoffBaseMs <= 0 {
		cfg.BackoffBaseMs = 1000
	}
	if cfg.BackoffMaxMs <= 0 {
		cfg.BackoffMaxMs = 8000
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{
		Mailbox:   mb,
		Recipient: recipient,
		Handler:   h,
		Config:    cfg,
		Metrics:   m,
		Logger:    logger.With("component", "driver", "recipient", recipient),
		stopCh:    make(chan struct{}),
	}
	d.sleep = d.wait
	return d
}

// newBackOff returns the poll-failure schedule: base, doubling, capped at
// max, never giving up.
func (d *Driver) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.Config.BackoffBase()
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = d.Config.BackoffMax()
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run loops until ctx is cancelled or Stop is called. It always returns nil
// on shutdown; handler and poll failures are logged, not returned.
func (d *Driver) Run(ctx context.Context) error {
	bo := d.newBackOff()
	for {
		if ctx.Err() != nil || d.stopped() {
			return nil
		}
		if _, err := d.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := bo.NextBackOff()
			d.Logger.Warn("poll failed", "error", err, "retry_in", delay)
			if !d.sleep(ctx, delay) {
				return nil
			}
			continue
		}
		bo.Reset()
		if !d.sleep(ctx, d.Config.IdleInterval(d.Recipient)) {
			return nil
		}
	}
}

// RunOnce polls a single batch and processes it. It returns the number of
// messages handled successfully.
func (d *Driver) RunOnce(ctx context.Context) (int, error) {
	msgs, err := d.Mailbox.Poll(ctx, d.Recipient, d.Config.BatchSize)
	if err != nil {
		d.Metrics.PollFailed(d.Recipient)
		return 0, err
	}
	return d.process(ctx, msgs), nil
}

func (d *Driver) process(ctx context.Context, msgs []domain.Message) int {
	d.Metrics.Polled(d.Recipient, len(msgs))
	handled := 0
	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		if err := d.Handler(ctx, msg); err != nil {
			d.Metrics.HandlerFailed(d.Recipient)
			d.Logger.Error("handler failed",
				"msg_id", msg.MsgID, "thread_id", msg.ThreadID, "type", msg.Type, "error", err)
			continue
		}
		handled++
		if err := d.Mailbox.Ack(ctx, d.Recipient, msg.MsgID); err != nil {
			d.Logger.Warn("ack failed", "msg_id", msg.MsgID, "thread_id", msg.ThreadID, "error", err)
			continue
		}
		d.Metrics.Acked(d.Recipient)
	}
	return handled
}

// Start runs the loop in a goroutine.
func (d *Driver) Start(ctx context.Context) {
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		_ = d.Run(ctx)
	}()
}

// Stop signals the loop to exit and waits for a started loop to return.
// Safe to call multiple times.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	if d.done != nil {
		<-d.done
	}
}

func (d *Driver) stopped() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

// wait sleeps for dur, returning false if interrupted by ctx or Stop.
func (d *Driver) wait(ctx context.Context, dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-d.stopCh:
		return false
	case <-t.C:
		return true
	}
}
