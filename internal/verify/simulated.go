package verify

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/zeebo/blake3"

	"Attester/internal/attestation"
)

// Simulated is a deterministic backend for local runs and tests.
// A request is valid when the first byte of its BLAKE3 digest is below
// ValidBelow; the leaf is the keccak256 of the payload.
type Simulated struct {
	ValidBelow int           // ValidBelow sets the share of valid requests out of 256
	Delay      time.Duration // Delay simulates source chain latency
}

// NewSimulated returns a backend accepting about ratio of requests.
func NewSimulated(ratio float64, delay time.Duration) *Simulated {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	return &Simulated{ValidBelow: int(ratio * 256), Delay: delay}
}

// Verify implements Backend.
func (s *Simulated) Verify(ctx context.Context, job *Job) (*Result, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	digest := blake3.Sum256(job.Payload)

	v := &attestation.Verification{
		Request:  job.Payload,
		Response: digest[:],
	}

	if int(digest[0]) >= s.ValidBelow {
		v.Status = "NOT_CONFIRMED"
		return &Result{Status: attestation.StatusInvalid, Verification: v}, nil
	}

	v.Status = "OK"
	v.Hash = crypto.Keccak256Hash(job.Payload)

	return &Result{Status: attestation.StatusValid, Verification: v}, nil
}
