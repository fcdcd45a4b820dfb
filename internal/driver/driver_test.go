package driver

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveforge/hiveforge/internal/config"
	"github.com/hiveforge/hiveforge/internal/domain"
	"github.com/hiveforge/hiveforge/internal/mailbox"
	"github.com/hiveforge/hiveforge/internal/metrics"
)

func newLocal(t *testing.T) *mailbox.Local {
	t.Helper()
	mb, err := mailbox.NewLocal(filepath.Join(t.TempDir(), "mail"), nil)
	require.NoError(t, err)
	return mb
}

func send(t *testing.T, mb mailbox.Mailbox, to, id string) {
	t.Helper()
	_, err := mb.Send(context.Background(), domain.Message{
		MsgID:    id,
		ThreadID: "t-1",
		To:       to,
		Type:     domain.TypeInfo,
	})
	require.NoError(t, err)
}

// flakyMailbox fails the first failures polls, then delegates.
type flakyMailbox struct {
	mailbox.Mailbox
	mu       sync.Mutex
	failures []bool
}

func (f *flakyMailbox) Poll(ctx context.Context, recipient string, limit int) ([]domain.Message, error) {
	f.mu.Lock()
	var fail bool
	if len(f.failures) > 0 {
		fail, f.failures = f.failures[0], f.failures[1:]
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("mail service unreachable")
	}
	return f.Mailbox.Poll(ctx, recipient, limit)
}

func TestRunOnce_HandlesAndAcks(t *testing.T) {
	mb := newLocal(t)
	send(t, mb, "planner", "m-1")
	send(t, mb, "planner", "m-2")

	var seen []string
	d := New(mb, "planner", func(_ context.Context, msg domain.Message) error {
		seen = append(seen, msg.MsgID)
		return nil
	}, config.DriverConfig{}, metrics.New(), nil)

	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"m-1", "m-2"}, seen)

	left, err := mb.ListInbox(context.Background(), "planner", 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRunOnce_FailedHandlerIsRedelivered(t *testing.T) {
	mb := newLocal(t)
	send(t, mb, "reviewer", "m-1")

	attempts := 0
	d := New(mb, "reviewer", func(_ context.Context, msg domain.Message) error {
		attempts++
		if attempts == 1 {
			return errors.New("boom")
		}
		return nil
	}, config.DriverConfig{}, nil, nil)

	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	left, err := mb.ListInbox(context.Background(), "reviewer", 10)
	require.NoError(t, err)
	require.Len(t, left, 1, "failed message must stay in the inbox")

	n, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, attempts)

	left, err = mb.ListInbox(context.Background(), "reviewer", 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRun_BackoffDoublesCapsAndResets(t *testing.T) {
	fm := &flakyMailbox{
		Mailbox:  newLocal(t),
		failures: []bool{true, true, true, true, true, false, true},
	}
	d := New(fm, "implementer", func(context.Context, domain.Message) error { return nil },
		config.DriverConfig{BackoffBaseMs: 1000, BackoffMaxMs: 8000, IdleIntervalMs: 700}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sleeps []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) bool {
		sleeps = append(sleeps, dur)
		if len(sleeps) == 7 {
			cancel()
			return false
		}
		return true
	}

	require.NoError(t, d.Run(ctx))
	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
		700 * time.Millisecond,
		1 * time.Second,
	}, sleeps)
}

func TestRun_OrchestratorIdleInterval(t *testing.T) {
	d := New(newLocal(t), domain.RoleOrchestrator, func(context.Context, domain.Message) error { return nil },
		config.DriverConfig{}, nil, nil)

	var got time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) bool {
		got = dur
		return false
	}
	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, 800*time.Millisecond, got)
}

func TestStartStop(t *testing.T) {
	mb := newLocal(t)
	send(t, mb, "integrator", "m-1")

	handled := make(chan string, 1)
	d := New(mb, "integrator", func(_ context.Context, msg domain.Message) error {
		handled <- msg.MsgID
		return nil
	}, config.DriverConfig{IdleIntervalMs: 10}, nil, nil)

	d.Start(context.Background())
	select {
	case id := <-handled:
		assert.Equal(t, "m-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("message not handled")
	}
	d.Stop()
	d.Stop()

	require.Eventually(t, func() bool {
		left, err := mb.ListInbox(context.Background(), "integrator", 10)
		return err == nil && len(left) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRun_StopsOnCancel(t *testing.T) {
	d := New(newLocal(t), "planner", func(context.Context, domain.Message) error { return nil },
		config.DriverConfig{IdleIntervalMs: 50}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
