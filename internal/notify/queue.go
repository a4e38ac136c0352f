// Package notify is the ordered notification queue shared by the push channel
// goroutine and the session orchestrator. It also owns the session state bitmask so
// both live behind one mutex.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/internal/metrics"
	"github.com/saintparish4/rendezvous/pkg/types"
)

// Queue holds notifications in arrival order.
type Queue struct {
	mu     sync.Mutex
	items  []*types.Notification
	state  types.SessionState
	wake   chan struct{}
	err    error // set once by Close or Cancel; every wait returns it
	logger *zap.Logger
}

// New creates an empty queue in StateInit
func New(logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		wake:   make(chan struct{}),
		logger: logger.Named("notify"),
	}
}

// broadcast wakes every waiter. Caller holds mu.
func (q *Queue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Push appends n and wakes waiters.
func (q *Queue) Push(n *types.Notification) {
	metrics.NotificationsTotal.WithLabelValues(n.Type.String()).Inc()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, n)
	q.broadcast()
}

// Len returns the number of queued notifications.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns every queued notification.
func (q *Queue) Drain() []*types.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Wait removes and returns the oldest notification whose type is in mask. Other
// notifications stay queued. A zero timeout waits until ctx ends.
func (q *Queue) Wait(ctx context.Context, mask types.NotificationType, timeout time.Duration) (*types.Notification, error) {
	return q.WaitMatch(ctx, timeout, func(n *types.Notification) bool {
		return n.Type&mask != 0
	})
}

// WaitMatch is Wait with an arbitrary predicate.
func (q *Queue) WaitMatch(ctx context.Context, timeout time.Duration, match func(*types.Notification) bool) (*types.Notification, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		q.mu.Lock()
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return nil, err
		}
		for i, n := range q.items {
			if match(n) {
				q.items = append(q.items[:i:i], q.items[i+1:]...)
				q.mu.Unlock()
				return n, nil
			}
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, types.FromContext("wait notification", ctx.Err())
		case <-expired:
			return nil, types.NewError(types.KindTimeout, "wait notification", nil)
		}
	}
}

// AddState sets flags. Bits are never cleared.
func (q *Queue) AddState(flags types.SessionState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	added := flags &^ q.state
	if added == 0 {
		return
	}
	q.state |= flags
	q.broadcast()

	for bit := types.SessionState(1); bit != 0 && bit <= added; bit <<= 1 {
		if added&bit != 0 {
			metrics.StateTransitionsTotal.WithLabelValues(bit.String()).Inc()
		}
	}
	q.logger.Debug("state", zap.Stringer("added", added), zap.Stringer("state", q.state))
}

// State returns the current bitmask.
func (q *Queue) State() types.SessionState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Has reports whether every bit of flags is set.
func (q *Queue) Has(flags types.SessionState) bool {
	return q.State().Has(flags)
}

// WaitState blocks until every bit of flags is set.
func (q *Queue) WaitState(ctx context.Context, flags types.SessionState, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		q.mu.Lock()
		if q.state.Has(flags) {
			q.mu.Unlock()
			return nil
		}
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return err
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return types.FromContext("wait state", ctx.Err())
		case <-expired:
			return types.NewError(types.KindTimeout, "wait state", nil)
		}
	}
}

// Close fails all current and future waits with err. The push channel closes the
// queue with a ChannelLost error when it dies. Only the first call has an effect.
func (q *Queue) Close(err error) {
	if err == nil {
		err = types.NewError(types.KindChannelLost, "notification queue", errors.New("closed"))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return
	}
	q.err = err
	q.broadcast()
}

// Cancel fails all current and future waits with a Canceled error.
func (q *Queue) Cancel() {
	q.Close(types.NewError(types.KindCanceled, "notification queue", context.Canceled))
}

// Err returns the error the queue was closed with, nil while open.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}
