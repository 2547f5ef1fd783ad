package round

import (
	"github.com/ethereum/go-ethereum/common"
)

// Phase is the epoch a round is in. It only moves forward.
type Phase uint8

const (
	PhaseCollect Phase = iota
	PhaseCommit
	PhaseReveal
	PhaseCompleted
)

// String returns a lower-case phase name.
func (p Phase) String() string {
	switch p {
	case PhaseCollect:
		return "collect"
	case PhaseCommit:
		return "commit"
	case PhaseReveal:
		return "reveal"
	case PhaseCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the phase name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// AttestStatus tracks the commit progress of a round.
type AttestStatus uint8

const (
	StatusCollecting AttestStatus = iota
	StatusCommitting
	StatusCommitted
	StatusRevealed
	StatusNothingToCommit
	StatusError
	StatusProcessingTimeout
)

// String returns a lower-case status name.
func (s AttestStatus) String() string {
	switch s {
	case StatusCollecting:
		return "collecting"
	case StatusCommitting:
		return "committing"
	case StatusCommitted:
		return "committed"
	case StatusRevealed:
		return "revealed"
	case StatusNothingToCommit:
		return "nothingToCommit"
	case StatusError:
		return "error"
	case StatusProcessingTimeout:
		return "processingTimeout"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status name.
func (s AttestStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Info is a read-only snapshot of a round for monitoring.
type Info struct {
	ID           uint64       `json:"id"`
	Phase        Phase        `json:"phase"`
	AttestStatus AttestStatus `json:"attestStatus"`
	Admitted     int          `json:"admitted"`
	Processed    int          `json:"processed"`
	Valid        int          `json:"valid"`
	Root         *common.Hash `json:"root,omitempty"`
	MaskedRoot   *common.Hash `json:"maskedRoot,omitempty"`
}
