package round

import (
	"context"
	"sync"
	"time"

	"Attester/internal/chain"
)

// defaultSubmitTimeout bounds one blocking submission.
const defaultSubmitTimeout = 60 * time.Second

// Poster queues a closure on the loop.
type Poster interface {
	Post(fn func()) bool
}

// AsyncSubmitter runs a blocking chain.Submitter on its own goroutine per
// submission and posts the result back to the loop.
type AsyncSubmitter struct {
	inner   chain.Submitter
	poster  Poster
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAsyncSubmitter wraps inner. A zero timeout uses the default.
func NewAsyncSubmitter(inner chain.Submitter, poster Poster, timeout time.Duration) *AsyncSubmitter {
	if timeout <= 0 {
		timeout = defaultSubmitTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &AsyncSubmitter{
		inner:   inner,
		poster:  poster,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit starts the submission and returns immediately.
func (s *AsyncSubmitter) Submit(sub chain.Submission, done func(*chain.Receipt, error)) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		rc, err := s.inner.SubmitAttestation(ctx, sub)
		if err == nil && rc == nil {
			err = chain.ErrNoReceipt
		}

		s.poster.Post(func() { done(rc, err) })
	}()
}

// Close cancels in-flight submissions and waits for them to return.
func (s *AsyncSubmitter) Close() {
	s.cancel()
	s.wg.Wait()
}
