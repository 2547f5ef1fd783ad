package verify

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/zeebo/blake3"

	"Attester/internal/attestation"
)

var (
	// ErrModuleNotFound is returned when a module ID is not loaded.
	ErrModuleNotFound = errors.New("module not found")

	// ErrGasExhausted is returned when execution runs out of gas.
	ErrGasExhausted = errors.New("gas exhausted")

	// ErrBadOutput is returned when a module writes a malformed result.
	ErrBadOutput = errors.New("malformed verifier output")
)

const (
	// verifyExport is the function every verifier module exports.
	verifyExport = "verify"

	// jobHeaderSize is round (8B) + required blocks (8B) before the payload.
	jobHeaderSize = 16

	// outputHeaderSize is status (1B) + leaf (32B) before the response.
	outputHeaderSize = 1 + 32
)

// Output status codes written by verifier modules.
const (
	wasmValid   = 0
	wasmInvalid = 1
)

// Runtime holds compiled verifier modules. Modules are compiled once and
// instantiated per job, so jobs never share memory.
type Runtime struct {
	runtime wazero.Runtime
	modules map[[32]byte]wazero.CompiledModule // modules maps blake3 hash to compiled module
	mu      sync.RWMutex
}

// NewRuntime creates a runtime with the "env" host module instantiated.
// Execution is aborted when the job context is done.
func NewRuntime(ctx context.Context) (*Runtime, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	r := &Runtime{
		runtime: wazero.NewRuntimeWithConfig(ctx, cfg),
		modules: make(map[[32]byte]wazero.CompiledModule),
	}

	if _, err := r.buildHostModule(ctx); err != nil {
		r.runtime.Close(ctx)
		return nil, fmt.Errorf("build host module:\n%w", err)
	}

	return r, nil
}

// Load compiles a module and returns its blake3 id. Loading the same
// bytes twice is a no-op.
func (r *Runtime) Load(ctx context.Context, wasm []byte) ([32]byte, error) {
	id := blake3.Sum256(wasm)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[id]; exists {
		return id, nil
	}

	compiled, err := r.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return [32]byte{}, fmt.Errorf("compile module:\n%w", err)
	}

	r.modules[id] = compiled

	return id, nil
}

// Execute runs the verify export of module id with input.
// Returns the module output and the gas consumed.
func (r *Runtime) Execute(ctx context.Context, id [32]byte, input []byte, gasLimit uint64) ([]byte, uint64, error) {
	r.mu.RLock()
	compiled, exists := r.modules[id]
	r.mu.RUnlock()

	if !exists {
		return nil, 0, ErrModuleNotFound
	}

	exec := &execContext{input: input, gasLimit: gasLimit}
	ctx = withExec(ctx, exec)

	instance, err := r.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, exec.gasUsed, fmt.Errorf("instantiate module:\n%w", err)
	}
	defer instance.Close(ctx)

	fn := instance.ExportedFunction(verifyExport)
	if fn == nil {
		return nil, exec.gasUsed, fmt.Errorf("%s function not exported", verifyExport)
	}

	if _, err := fn.Call(ctx); err != nil {
		if exec.gasExhausted {
			return nil, exec.gasUsed, ErrGasExhausted
		}

		return nil, exec.gasUsed, fmt.Errorf("%s:\n%w", verifyExport, err)
	}

	return exec.output, exec.gasUsed, nil
}

// Unload removes a module.
func (r *Runtime) Unload(ctx context.Context, id [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if compiled, exists := r.modules[id]; exists {
		compiled.Close(ctx)
		delete(r.modules, id)
	}
}

// Close releases every module and the runtime.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, compiled := range r.modules {
		compiled.Close(ctx)
		delete(r.modules, id)
	}

	return r.runtime.Close(ctx)
}

// WasmBackend verifies jobs with one compiled module.
type WasmBackend struct {
	runtime  *Runtime
	module   [32]byte
	gasLimit uint64
}

// NewWasmBackend loads wasm into rt and returns a backend running it.
func NewWasmBackend(ctx context.Context, rt *Runtime, wasm []byte, gasLimit uint64) (*WasmBackend, error) {
	id, err := rt.Load(ctx, wasm)
	if err != nil {
		return nil, err
	}

	return &WasmBackend{runtime: rt, module: id, gasLimit: gasLimit}, nil
}

// Verify implements Backend.
func (b *WasmBackend) Verify(ctx context.Context, job *Job) (*Result, error) {
	out, _, err := b.runtime.Execute(ctx, b.module, EncodeJob(job), b.gasLimit)
	if err != nil {
		return nil, err
	}

	return DecodeOutput(job, out)
}

// EncodeJob builds the module input: [8B round][8B required blocks][payload].
func EncodeJob(job *Job) []byte {
	buf := make([]byte, jobHeaderSize, jobHeaderSize+len(job.Payload))
	binary.BigEndian.PutUint64(buf[0:8], job.RoundID)
	binary.BigEndian.PutUint64(buf[8:16], job.RequiredBlocks)

	return append(buf, job.Payload...)
}

// DecodeOutput parses [1B status][32B leaf][response] into a result.
func DecodeOutput(job *Job, out []byte) (*Result, error) {
	if len(out) < outputHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadOutput, len(out))
	}

	v := &attestation.Verification{
		Request:  job.Payload,
		Response: append([]byte(nil), out[outputHeaderSize:]...),
	}

	switch out[0] {
	case wasmValid:
		v.Status = "OK"
		v.Hash = common.BytesToHash(out[1:outputHeaderSize])
		return &Result{Status: attestation.StatusValid, Verification: v}, nil

	case wasmInvalid:
		v.Status = "INVALID"
		return &Result{Status: attestation.StatusInvalid, Verification: v}, nil

	default:
		v.Status = "ERROR"
		v.Exception = fmt.Sprintf("verifier status %d", out[0])
		return &Result{Status: attestation.StatusError, Verification: v}, nil
	}
}

// callerMemory returns the memory of the module calling a host function.
func callerMemory(m api.Module) api.Memory {
	if m == nil {
		return nil
	}
	return m.Memory()
}
