package round

import (
	"context"
	"time"
)

// defaultInboxSize bounds the number of queued closures.
const defaultInboxSize = 1024

// Loop runs closures on a single goroutine in arrival order.
// Every mutation of round state goes through it.
type Loop struct {
	inbox chan func()
	done  chan struct{}
}

// NewLoop creates a loop with the given inbox size (0 uses the default).
func NewLoop(size int) *Loop {
	if size <= 0 {
		size = defaultInboxSize
	}

	return &Loop{
		inbox: make(chan func(), size),
		done:  make(chan struct{}),
	}
}

// Post queues fn. It blocks while the inbox is full and returns false
// once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.inbox <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Run executes queued closures and calls tick every interval until ctx is done.
func (l *Loop) Run(ctx context.Context, interval time.Duration, tick func(time.Time)) {
	defer close(l.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case fn := <-l.inbox:
			fn()

		case now := <-ticker.C:
			tick(now)
		}
	}
}

// Drain runs every queued closure on the caller's goroutine and returns
// how many ran. It is meant for tests and for use before Run starts.
func (l *Loop) Drain() int {
	n := 0
	for {
		select {
		case fn := <-l.inbox:
			fn()
			n++
		default:
			return n
		}
	}
}
