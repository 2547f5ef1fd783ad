package verify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"Attester/internal/attestation"
	"Attester/internal/logger"
)

const (
	// defaultConcurrency bounds verifications running at once.
	defaultConcurrency = 32

	// defaultTimeout bounds one verification.
	defaultTimeout = 30 * time.Second
)

// Poster queues a closure on the round loop.
type Poster interface {
	Post(fn func()) bool
}

// Dispatcher runs verifications on goroutines and resolves attestations
// on the loop. Every dispatched attestation is resolved exactly once:
// errors, timeouts and backend panics map to status error.
type Dispatcher struct {
	registry *Registry
	poster   Poster
	timeout  time.Duration
	sem      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithConcurrency sets the maximum number of concurrent verifications.
func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = make(chan struct{}, n)
		}
	}
}

// WithTimeout sets the per-job timeout.
func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewDispatcher creates a dispatcher over registry posting to poster.
func NewDispatcher(registry *Registry, poster Poster, opts ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		registry: registry,
		poster:   poster,
		timeout:  defaultTimeout,
		sem:      make(chan struct{}, defaultConcurrency),
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Verify starts the verification of att. It is called on the loop.
func (d *Dispatcher) Verify(att *attestation.Attestation) {
	backend, ok := d.registry.Backend(att.Request.Source)
	if !ok {
		att.Resolve(attestation.StatusError, &attestation.Verification{
			Exception: fmt.Sprintf("%v: %s", ErrNoBackend, att.Request.Source),
		})
		return
	}

	job := NewJob(att)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		res := d.run(backend, job)

		d.poster.Post(func() {
			att.Resolve(res.Status, res.Verification)
		})
	}()
}

// run executes one job under the semaphore and timeout.
func (d *Dispatcher) run(backend Backend, job *Job) *Result {
	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-d.ctx.Done():
		return errorResult(d.ctx.Err())
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	start := time.Now()
	res, err := safeVerify(ctx, backend, job)

	if err != nil {
		logger.Debug("verification failed",
			"round", job.RoundID,
			"source", job.Source,
			"type", job.Type,
			"error", err,
			logger.Timed(start),
		)
		return errorResult(err)
	}

	if res == nil || !res.Status.Terminal() {
		return errorResult(fmt.Errorf("backend returned no terminal result"))
	}

	return res
}

// safeVerify calls the backend and turns a panic into an error.
func safeVerify(ctx context.Context, backend Backend, job *Job) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("backend panic: %v", r)
		}
	}()

	return backend.Verify(ctx, job)
}

// errorResult maps a failure to status error.
func errorResult(err error) *Result {
	return &Result{
		Status:       attestation.StatusError,
		Verification: &attestation.Verification{Status: "ERROR", Exception: err.Error()},
	}
}

// Close cancels in-flight verifications and waits for them. Their
// attestations are still resolved if the loop accepts the post.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
