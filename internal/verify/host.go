package verify

import (
	"context"

	"github.com/tetratelabs/wazero/api"
)

// execContext holds the state of one module invocation.
type execContext struct {
	input        []byte // input is the encoded job
	output       []byte // output is what the module wrote
	gasLimit     uint64
	gasUsed      uint64
	gasExhausted bool
}

type execKey struct{}

// withExec attaches exec to ctx so host functions can find it.
func withExec(ctx context.Context, exec *execContext) context.Context {
	return context.WithValue(ctx, execKey{}, exec)
}

// execFrom returns the invocation state carried by ctx.
func execFrom(ctx context.Context) *execContext {
	exec, _ := ctx.Value(execKey{}).(*execContext)
	return exec
}

// buildHostModule instantiates the "env" module shared by every job.
// Per-job state travels through the call context.
func (r *Runtime) buildHostModule(ctx context.Context) (api.Module, error) {
	return r.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, cost uint32) {
			hostGas(execFrom(ctx), cost)
		}).
		Export("gas").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint32 {
			return hostInputLen(execFrom(ctx))
		}).
		Export("input_len").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr uint32) {
			hostReadInput(execFrom(ctx), callerMemory(m), ptr)
		}).
		Export("read_input").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, length uint32) {
			hostWriteOutput(execFrom(ctx), callerMemory(m), ptr, length)
		}).
		Export("write_output").
		Instantiate(ctx)
}

// hostGas meters execution. It panics past the limit to abort the call.
func hostGas(exec *execContext, cost uint32) {
	if exec == nil {
		return
	}

	exec.gasUsed += uint64(cost)

	if exec.gasLimit > 0 && exec.gasUsed > exec.gasLimit {
		exec.gasExhausted = true
		panic("gas exhausted")
	}
}

// hostInputLen returns the length of the input buffer.
func hostInputLen(exec *execContext) uint32 {
	if exec == nil {
		return 0
	}
	return uint32(len(exec.input))
}

// hostReadInput copies the input into module memory at ptr.
func hostReadInput(exec *execContext, mem api.Memory, ptr uint32) {
	if exec == nil || mem == nil || len(exec.input) == 0 {
		return
	}

	mem.Write(ptr, exec.input)
}

// hostWriteOutput copies length bytes at ptr out of module memory.
func hostWriteOutput(exec *execContext, mem api.Memory, ptr, length uint32) {
	if exec == nil || mem == nil || length == 0 {
		return
	}

	data, ok := mem.Read(ptr, length)
	if !ok {
		return
	}

	exec.output = make([]byte, length)
	copy(exec.output, data)
}
