// Package job holds queue-side domain helpers shared by the runners.
package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

// ErrWaiterRequired indicates a notifier cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until a job of the given type may be available. The job
// repository implements this on Postgres LISTEN.
type Waiter interface {
	WaitForNotification(ctx context.Context, jobType model.JobType) error
}

// Notifier fans job availability wakeups out to runner subscribers. One
// listener per job type is shared by all subscribers of that type.
type Notifier interface {
	Subscribe(jobType model.JobType) (func(), <-chan struct{})
	StopAll()
}

// NotifierOptions configure the behaviour of the default notifier implementation.
type NotifierOptions struct {
	Waiter     Waiter
	WaitWindow time.Duration
	Backoff    time.Duration
}

// hub is the per-type listener state: the subscriber set plus the cancel
// for the shared listen goroutine.
type hub struct {
	cancel context.CancelFunc
	subs   map[chan struct{}]struct{}
}

// DefaultNotifier is the default implementation of Notifier.
type DefaultNotifier struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu   sync.Mutex
	hubs map[model.JobType]*hub
}

// NewNotifier constructs the default notifier implementation.
func NewNotifier(opts NotifierOptions) (*DefaultNotifier, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}

	n := &DefaultNotifier{
		waiter:     opts.Waiter,
		waitWindow: opts.WaitWindow,
		backoff:    opts.Backoff,
		hubs:       make(map[model.JobType]*hub),
	}
	if n.waitWindow <= 0 {
		n.waitWindow = time.Minute
	}
	if n.backoff <= 0 {
		n.backoff = 250 * time.Millisecond
	}
	return n, nil
}

// Subscribe registers a wakeup channel for the job type, starting the shared
// listener on first use. The returned func unsubscribes and closes the
// channel; the last unsubscribe stops the listener.
func (n *DefaultNotifier) Subscribe(jobType model.JobType) (func(), <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, ok := n.hubs[jobType]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		h = &hub{cancel: cancel, subs: make(map[chan struct{}]struct{})}
		n.hubs[jobType] = h
		go n.listen(ctx, jobType)
	}

	ch := make(chan struct{}, 1)
	h.subs[ch] = struct{}{}

	unsub := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.dropSubscriber(jobType, ch)
	}
	return unsub, ch
}

// dropSubscriber must be called with the mutex held.
func (n *DefaultNotifier) dropSubscriber(jobType model.JobType, ch chan struct{}) {
	h, ok := n.hubs[jobType]
	if !ok {
		return
	}
	if _, subscribed := h.subs[ch]; !subscribed {
		return
	}

	delete(h.subs, ch)
	drainAndClose(ch)
	if len(h.subs) == 0 {
		h.cancel()
		delete(n.hubs, jobType)
	}
}

// StopAll cancels every listener and closes every subscriber channel.
func (n *DefaultNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for jobType, h := range n.hubs {
		h.cancel()
		for ch := range h.subs {
			drainAndClose(ch)
		}
		delete(n.hubs, jobType)
	}
}

// listen waits for notifications and wakes subscribers. Each wait is bounded
// by waitWindow so a silently dropped LISTEN connection degrades to polling
// instead of stalling runners forever.
func (n *DefaultNotifier) listen(ctx context.Context, jobType model.JobType) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, n.waitWindow)
		err := n.waiter.WaitForNotification(waitCtx, jobType)
		cancel()

		// Wake subscribers on timeout and error too; a spurious wakeup
		// costs one empty reserve attempt, a missed one costs latency.
		n.wake(jobType)

		if err != nil && ctx.Err() == nil {
			timer := time.NewTimer(n.backoff)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return
			case <-timer.C:
			}
		}
	}
}

func (n *DefaultNotifier) wake(jobType model.JobType) {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, ok := n.hubs[jobType]
	if !ok {
		return
	}
	for ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// drainAndClose removes any buffered wakeup before closing so receivers
// observe a closed channel immediately.
func drainAndClose(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}

var _ Notifier = (*DefaultNotifier)(nil)
