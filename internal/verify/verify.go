// Package verify dispatches admitted attestations to per-source
// verification backends and reports their results to the round loop.
package verify

import (
	"context"
	"errors"

	"Attester/internal/attestation"
)

// ErrNoBackend is returned when no backend is registered for a source.
var ErrNoBackend = errors.New("no verification backend")

// Job is the input of one verification.
type Job struct {
	RoundID        uint64
	Source         attestation.Source
	Type           attestation.Type
	Payload        []byte // Payload is the full request including its header
	RequiredBlocks uint64
}

// NewJob builds the job for an admitted attestation.
func NewJob(att *attestation.Attestation) *Job {
	return &Job{
		RoundID:        att.RoundID,
		Source:         att.Request.Source,
		Type:           att.Request.Type,
		Payload:        att.Request.Payload,
		RequiredBlocks: att.RequiredBlocks,
	}
}

// Result is a terminal verification outcome.
type Result struct {
	Status       attestation.Status
	Verification *attestation.Verification
}

// Backend verifies jobs for one chain family.
type Backend interface {
	Verify(ctx context.Context, job *Job) (*Result, error)
}

// Registry maps each source to its backend. It is filled at startup and
// read-only afterwards.
type Registry struct {
	backends map[attestation.Source]Backend
	fallback Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[attestation.Source]Backend)}
}

// Register sets the backend of source.
func (r *Registry) Register(source attestation.Source, b Backend) {
	r.backends[source] = b
}

// SetFallback sets the backend used for sources without their own.
func (r *Registry) SetFallback(b Backend) {
	r.fallback = b
}

// Backend returns the backend of source.
func (r *Registry) Backend(source attestation.Source) (Backend, bool) {
	if b, ok := r.backends[source]; ok {
		return b, true
	}

	return r.fallback, r.fallback != nil
}

// Sources returns the number of sources with a dedicated backend.
func (r *Registry) Sources() int {
	return len(r.backends)
}
