package attestation

import (
	"github.com/ethereum/go-ethereum/common"

	"Attester/internal/logger"
)

// Verification is the outcome reported by a source chain verifier.
type Verification struct {
	Status    string      // Status is the verifier specific result code
	Request   []byte      // Request is the canonical request encoding
	Response  []byte      // Response is the canonical response encoding
	Hash      common.Hash // Hash is the Merkle leaf committed for a valid attestation
	Exception string      // Exception carries a failure description, if any
}

// Attestation tracks one request through admission and verification
// inside a single round. It is owned by that round.
type Attestation struct {
	RoundID        uint64        // RoundID is the owning round
	Request        *Request      // Request is the wrapped request
	Status         Status        // Status is the current lifecycle state
	Verification   *Verification // Verification is set once the verifier answered
	RequiredBlocks uint64        // RequiredBlocks is the confirmation depth from the admission config

	onProcessed func(*Attestation) // onProcessed is invoked once on resolution
	processed   bool               // processed is true after onProcessed fired
}

// New wraps a request for the given round.
func New(roundID uint64, req *Request) *Attestation {
	return &Attestation{
		RoundID: roundID,
		Request: req,
		Status:  StatusPending,
	}
}

// OnProcessed registers the completion callback.
func (a *Attestation) OnProcessed(fn func(*Attestation)) {
	a.onProcessed = fn
}

// Resolve moves the attestation to a terminal status and fires the
// completion callback. Only the first call has an effect.
func (a *Attestation) Resolve(status Status, v *Verification) {
	if a.processed {
		logger.Warn("attestation resolved twice",
			"round", a.RoundID,
			"position", a.Request.Position(),
			"status", status,
		)
		return
	}

	if !status.Terminal() {
		logger.Error("attestation resolved with non terminal status",
			"round", a.RoundID,
			"status", status,
		)
		status = StatusError
	}

	a.Status = status
	if v != nil {
		a.Verification = v
	}
	a.processed = true

	if a.onProcessed != nil {
		a.onProcessed(a)
	}
}

// Processed reports whether the completion callback has fired.
func (a *Attestation) Processed() bool {
	return a.processed
}

// LeafHash returns the verified leaf, or false if there is none.
func (a *Attestation) LeafHash() (common.Hash, bool) {
	if a.Verification == nil {
		return common.Hash{}, false
	}

	return a.Verification.Hash, true
}
