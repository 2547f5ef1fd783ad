package verify

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"Attester/internal/attestation"
)

// chanPoster queues posted closures for the test to run.
type chanPoster struct {
	ch chan func()
}

func newChanPoster() *chanPoster {
	return &chanPoster{ch: make(chan func(), 64)}
}

func (p *chanPoster) Post(fn func()) bool {
	p.ch <- fn
	return true
}

// next runs the next posted closure or fails after a timeout.
func (p *chanPoster) next(t *testing.T) {
	t.Helper()

	select {
	case fn := <-p.ch:
		fn()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for post")
	}
}

// backendFunc adapts a function to Backend.
type backendFunc func(ctx context.Context, job *Job) (*Result, error)

func (f backendFunc) Verify(ctx context.Context, job *Job) (*Result, error) {
	return f(ctx, job)
}

// newAttestation builds an attestation for source with the given body.
func newAttestation(t *testing.T, source attestation.Source, body string) *attestation.Attestation {
	t.Helper()

	payload := attestation.EncodeHeader(attestation.TypePayment, source, []byte(body))

	req, err := attestation.NewRequest(payload, 1, 10, 0)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	att := attestation.New(4, req)
	att.RequiredBlocks = 6

	return att
}

func TestDispatcherResolvesOnPoster(t *testing.T) {
	registry := NewRegistry()
	registry.Register(attestation.SourceBTC, backendFunc(func(ctx context.Context, job *Job) (*Result, error) {
		if job.RoundID != 4 || job.RequiredBlocks != 6 {
			t.Errorf("job = %+v", job)
		}
		return &Result{
			Status:       attestation.StatusValid,
			Verification: &attestation.Verification{Status: "OK", Hash: common.HexToHash("0x01")},
		}, nil
	}))

	poster := newChanPoster()
	d := NewDispatcher(registry, poster)
	defer d.Close()

	att := newAttestation(t, attestation.SourceBTC, "tx")

	var calls int
	att.OnProcessed(func(*attestation.Attestation) { calls++ })

	d.Verify(att)

	if att.Processed() {
		t.Fatal("attestation resolved before the loop ran the post")
	}

	poster.next(t)

	if calls != 1 {
		t.Fatalf("callback calls = %d, want 1", calls)
	}

	if att.Status != attestation.StatusValid {
		t.Errorf("status = %v, want valid", att.Status)
	}

	if leaf, _ := att.LeafHash(); leaf != common.HexToHash("0x01") {
		t.Errorf("leaf = %s", leaf)
	}
}

func TestDispatcherNoBackend(t *testing.T) {
	d := NewDispatcher(NewRegistry(), newChanPoster())
	defer d.Close()

	att := newAttestation(t, attestation.SourceXRP, "tx")
	d.Verify(att)

	if !att.Processed() {
		t.Fatal("attestation without backend should resolve immediately")
	}

	if att.Status != attestation.StatusError {
		t.Errorf("status = %v, want error", att.Status)
	}
}

func TestDispatcherFallback(t *testing.T) {
	registry := NewRegistry()
	registry.SetFallback(NewSimulated(1, 0))

	poster := newChanPoster()
	d := NewDispatcher(registry, poster)
	defer d.Close()

	att := newAttestation(t, attestation.SourceDOGE, "tx")
	d.Verify(att)
	poster.next(t)

	if att.Status != attestation.StatusValid {
		t.Errorf("status = %v, want valid", att.Status)
	}
}

func TestDispatcherFailuresMapToError(t *testing.T) {
	tests := []struct {
		name    string
		backend Backend
	}{
		{"error", backendFunc(func(context.Context, *Job) (*Result, error) {
			return nil, errors.New("rpc down")
		})},
		{"panic", backendFunc(func(context.Context, *Job) (*Result, error) {
			panic("boom")
		})},
		{"nil result", backendFunc(func(context.Context, *Job) (*Result, error) {
			return nil, nil
		})},
		{"non terminal", backendFunc(func(context.Context, *Job) (*Result, error) {
			return &Result{Status: attestation.StatusPending}, nil
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			registry.Register(attestation.SourceBTC, tt.backend)

			poster := newChanPoster()
			d := NewDispatcher(registry, poster)
			defer d.Close()

			att := newAttestation(t, attestation.SourceBTC, "tx")
			d.Verify(att)
			poster.next(t)

			if att.Status != attestation.StatusError {
				t.Errorf("status = %v, want error", att.Status)
			}

			if att.Verification == nil || att.Verification.Exception == "" {
				t.Error("expected an exception message")
			}
		})
	}
}

func TestDispatcherTimeout(t *testing.T) {
	registry := NewRegistry()
	registry.Register(attestation.SourceBTC, backendFunc(func(ctx context.Context, _ *Job) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	poster := newChanPoster()
	d := NewDispatcher(registry, poster, WithTimeout(20*time.Millisecond))
	defer d.Close()

	att := newAttestation(t, attestation.SourceBTC, "tx")
	d.Verify(att)
	poster.next(t)

	if att.Status != attestation.StatusError {
		t.Errorf("status = %v, want error", att.Status)
	}
}

func TestDispatcherConcurrencyLimit(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})

	registry := NewRegistry()
	registry.Register(attestation.SourceBTC, backendFunc(func(ctx context.Context, _ *Job) (*Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return &Result{Status: attestation.StatusInvalid}, nil
	}))

	poster := newChanPoster()
	d := NewDispatcher(registry, poster, WithConcurrency(2))
	defer d.Close()

	const jobs = 6
	for i := 0; i < jobs; i++ {
		d.Verify(newAttestation(t, attestation.SourceBTC, string(rune('a'+i))))
	}

	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < jobs; i++ {
		poster.next(t)
	}

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestSimulatedDeterministic(t *testing.T) {
	job := &Job{Payload: []byte("payload")}

	all, err := NewSimulated(1, 0).Verify(context.Background(), job)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if all.Status != attestation.StatusValid {
		t.Errorf("ratio 1: status = %v, want valid", all.Status)
	}

	if all.Verification.Hash != crypto.Keccak256Hash(job.Payload) {
		t.Error("leaf should be keccak256 of the payload")
	}

	none, err := NewSimulated(0, 0).Verify(context.Background(), job)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if none.Status != attestation.StatusInvalid {
		t.Errorf("ratio 0: status = %v, want invalid", none.Status)
	}
}

func TestSimulatedDelayHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSimulated(1, time.Hour).Verify(ctx, &Job{Payload: []byte("x")})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// echoModule returns a wasm module whose verify export writes
// [status][leaf][input] as its output.
func echoModule(status byte, leaf [32]byte) []byte {
	m := []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		// types: (i32,i32)->(), ()->(), ()->i32, (i32)->()
		0x01, 0x11, 0x04,
		0x60, 0x02, 0x7f, 0x7f, 0x00,
		0x60, 0x00, 0x00,
		0x60, 0x00, 0x01, 0x7f,
		0x60, 0x01, 0x7f, 0x00,
		// imports
		0x02, 0x35, 0x03,
		0x03, 'e', 'n', 'v', 0x09, 'i', 'n', 'p', 'u', 't', '_', 'l', 'e', 'n', 0x00, 0x02,
		0x03, 'e', 'n', 'v', 0x0a, 'r', 'e', 'a', 'd', '_', 'i', 'n', 'p', 'u', 't', 0x00, 0x03,
		0x03, 'e', 'n', 'v', 0x0c, 'w', 'r', 'i', 't', 'e', '_', 'o', 'u', 't', 'p', 'u', 't', 0x00, 0x00,
		// functions
		0x03, 0x02, 0x01, 0x01,
		// memory
		0x05, 0x03, 0x01, 0x00, 0x01,
		// exports
		0x07, 0x13, 0x02,
		0x06, 'v', 'e', 'r', 'i', 'f', 'y', 0x00, 0x03,
		0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
		// code: read_input(33); write_output(0, input_len()+33)
		0x0a, 0x11, 0x01, 0x0f, 0x00,
		0x41, 0x21, 0x10, 0x01,
		0x41, 0x00, 0x10, 0x00, 0x41, 0x21, 0x6a, 0x10, 0x02,
		0x0b,
		// data at offset 0: status and leaf
		0x0b, 0x27, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x21,
		status,
	}

	return append(m, leaf[:]...)
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()

	rt, err := NewRuntime(context.Background())
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	t.Cleanup(func() { rt.Close(context.Background()) })

	return rt
}

func TestWasmBackendValid(t *testing.T) {
	rt := newTestRuntime(t)

	leaf := crypto.Keccak256Hash([]byte("leaf"))

	b, err := NewWasmBackend(context.Background(), rt, echoModule(0, leaf), 0)
	if err != nil {
		t.Fatalf("NewWasmBackend: %v", err)
	}

	job := &Job{RoundID: 9, RequiredBlocks: 3, Payload: []byte("payload")}

	res, err := b.Verify(context.Background(), job)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if res.Status != attestation.StatusValid {
		t.Fatalf("status = %v, want valid", res.Status)
	}

	if res.Verification.Hash != leaf {
		t.Errorf("leaf = %s, want %s", res.Verification.Hash, leaf)
	}

	if !bytes.Equal(res.Verification.Response, EncodeJob(job)) {
		t.Errorf("response = %x, want encoded job", res.Verification.Response)
	}
}

func TestWasmBackendStatuses(t *testing.T) {
	rt := newTestRuntime(t)

	tests := []struct {
		status byte
		want   attestation.Status
	}{
		{1, attestation.StatusInvalid},
		{7, attestation.StatusError},
	}

	for _, tt := range tests {
		b, err := NewWasmBackend(context.Background(), rt, echoModule(tt.status, [32]byte{}), 0)
		if err != nil {
			t.Fatalf("NewWasmBackend: %v", err)
		}

		res, err := b.Verify(context.Background(), &Job{Payload: []byte("p")})
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}

		if res.Status != tt.want {
			t.Errorf("status byte %d: got %v, want %v", tt.status, res.Status, tt.want)
		}
	}
}

func TestRuntimeLoadIsIdempotent(t *testing.T) {
	rt := newTestRuntime(t)
	wasm := echoModule(0, [32]byte{})

	a, err := rt.Load(context.Background(), wasm)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	b, err := rt.Load(context.Background(), wasm)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if a != b {
		t.Error("same bytes should yield the same id")
	}
}

func TestRuntimeErrors(t *testing.T) {
	rt := newTestRuntime(t)

	if _, _, err := rt.Execute(context.Background(), [32]byte{1}, nil, 0); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("unknown module: err = %v, want ErrModuleNotFound", err)
	}

	if _, err := rt.Load(context.Background(), []byte("not wasm")); err == nil {
		t.Error("expected compile error")
	}

	id, err := rt.Load(context.Background(), []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})
	if err != nil {
		t.Fatalf("Load empty module: %v", err)
	}

	if _, _, err := rt.Execute(context.Background(), id, nil, 0); err == nil {
		t.Error("expected error for missing verify export")
	}

	rt.Unload(context.Background(), id)

	if _, _, err := rt.Execute(context.Background(), id, nil, 0); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("after unload: err = %v, want ErrModuleNotFound", err)
	}
}

func TestHostGasLimit(t *testing.T) {
	exec := &execContext{gasLimit: 10}

	hostGas(exec, 6)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic past the gas limit")
		}
		if !exec.gasExhausted || exec.gasUsed != 12 {
			t.Errorf("exec = %+v", exec)
		}
	}()

	hostGas(exec, 6)
}

func TestDecodeOutputTooShort(t *testing.T) {
	if _, err := DecodeOutput(&Job{}, []byte{0}); !errors.Is(err, ErrBadOutput) {
		t.Errorf("err = %v, want ErrBadOutput", err)
	}
}
