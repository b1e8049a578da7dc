package flow

import (
	"sync"
	"time"
)

// timerSet is one cancellable handle over everything a polling flow
// schedules: the poll ticker, the countdown ticker and the cancel
// signal. Stopping the set is idempotent and both tickers die together.
type timerSet struct {
	poll      *time.Ticker
	countdown *time.Ticker

	once      sync.Once
	cancelled chan struct{}
}

func newTimerSet(pollEvery, countdownEvery time.Duration) *timerSet {
	return &timerSet{
		poll:      time.NewTicker(pollEvery),
		countdown: time.NewTicker(countdownEvery),
		cancelled: make(chan struct{}),
	}
}

// resetPoll changes the effective poll interval (slow_down handling).
func (t *timerSet) resetPoll(d time.Duration) {
	t.poll.Reset(d)
}

// stop tears the whole set down. Safe to call from any goroutine and
// any number of times; after the first call no tick is delivered and
// done() is closed.
func (t *timerSet) stop() {
	t.once.Do(func() {
		t.poll.Stop()
		t.countdown.Stop()
		close(t.cancelled)
	})
}

// done is closed once the set has been stopped.
func (t *timerSet) done() <-chan struct{} {
	return t.cancelled
}

// stopped reports whether stop has already run.
func (t *timerSet) stopped() bool {
	select {
	case <-t.cancelled:
		return true
	default:
		return false
	}
}
