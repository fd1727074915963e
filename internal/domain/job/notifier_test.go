package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagewatch/pagewatch/internal/domain/model"
)

type stubWaiter struct {
	calls chan model.JobType
	err   error
	sleep time.Duration
}

func (s *stubWaiter) WaitForNotification(ctx context.Context, jobType model.JobType) error {
	select {
	case s.calls <- jobType:
	default:
	}

	if s.sleep > 0 {
		timer := time.NewTimer(s.sleep)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.err != nil {
		return s.err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

func waitForCall(t *testing.T, waiter *stubWaiter) {
	t.Helper()
	select {
	case <-waiter.calls:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected waiter to be invoked")
	}
}

func TestNewNotifierRequiresWaiter(t *testing.T) {
	notifier, err := NewNotifier(NotifierOptions{})
	require.ErrorIs(t, err, ErrWaiterRequired)
	assert.Nil(t, notifier)
}

func TestNotifier_SubscribeReceivesWakeups(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan model.JobType, 4)}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	unsub, ch := notifier.Subscribe(model.JobTypeRuleRun)
	defer unsub()

	waitForCall(t, waiter)

	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected wakeup to be delivered")
	}
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan model.JobType, 1)}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	unsub, ch := notifier.Subscribe(model.JobTypeAlertDispatch)
	waitForCall(t, waiter)

	unsub()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected channel to close after unsubscribe")
	}

	// A second unsubscribe is a no-op.
	unsub()
}

func TestNotifier_StopAllClosesChannels(t *testing.T) {
	waiter := &stubWaiter{
		calls: make(chan model.JobType, 2),
		err:   errors.New("boom"),
	}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	unsubRun, chRun := notifier.Subscribe(model.JobTypeRuleRun)
	unsubDispatch, chDispatch := notifier.Subscribe(model.JobTypeAlertDispatch)

	for i := 0; i < 2; i++ {
		waitForCall(t, waiter)
	}

	notifier.StopAll()

	for _, ch := range []<-chan struct{}{chRun, chDispatch} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channels should be closed after StopAll")
		case <-time.After(200 * time.Millisecond):
			t.Fatal("expected channel to close after StopAll")
		}
	}

	// Unsubscribes remain safe post-stop.
	unsubRun()
	unsubDispatch()
}

func TestNotifier_SharedListenerPerType(t *testing.T) {
	waiter := &stubWaiter{
		calls: make(chan model.JobType, 8),
		sleep: 50 * time.Millisecond,
	}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)
	defer notifier.StopAll()

	unsubA, chA := notifier.Subscribe(model.JobTypeRuleRun)
	defer unsubA()
	unsubB, chB := notifier.Subscribe(model.JobTypeRuleRun)
	defer unsubB()

	// Both subscribers of the same type get woken by the one listener.
	for _, ch := range []<-chan struct{}{chA, chB} {
		select {
		case <-ch:
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected both subscribers to receive a wakeup")
		}
	}
}
