// Package chain talks to the base chain: it submits commit/reveal
// transactions and collects attestation request events.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNoReceipt is returned when a transaction was sent but never mined.
	ErrNoReceipt = errors.New("no receipt")

	// ErrReverted is returned when the transaction was mined with a failed status.
	ErrReverted = errors.New("transaction reverted")
)

// Action labels a submission for logs and metrics.
type Action string

const (
	ActionFirstCommit Action = "firstCommit"
	ActionReveal      Action = "reveal"
	ActionFinalize    Action = "finalize"
)

// Submission is one combined commit/reveal message.
// BufferNumber is the on-chain slot the commit values are written to.
type Submission struct {
	Action       Action
	RoundID      uint64
	BufferNumber uint64
	Root         common.Hash // Root is kept locally, never sent
	MaskedRoot   common.Hash
	Random       common.Hash // Random is kept locally until the next reveal
	HashedRandom common.Hash
	PrevRandom   common.Hash // PrevRandom reveals the previous commit
}

// String formats the submission for logs.
func (s Submission) String() string {
	return fmt.Sprintf("%s round=%d buffer=%d", s.Action, s.RoundID, s.BufferNumber)
}

// Receipt confirms a submission was included.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
}

// Submitter sends submissions to the base chain. It blocks until the
// transaction is included or fails.
type Submitter interface {
	SubmitAttestation(ctx context.Context, sub Submission) (*Receipt, error)
}
