package store

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RoundState is the persisted commit state of one round.
// It lets the first commit after a restart recover the previous random.
type RoundState struct {
	RoundID      uint64
	Root         common.Hash
	MaskedRoot   common.Hash
	Random       common.Hash
	HashedRandom common.Hash
	ValidCount   uint32
	SavedAt      time.Time
}

// AttestationRecord is the audit entry of one attestation at commit time.
type AttestationRecord struct {
	RoundID            uint64
	Index              uint32 // Index is the admission position in the round
	BlockNumber        uint64
	LogIndex           uint32
	Status             string // Status is the attestation lifecycle status
	VerificationStatus string
	Payload            []byte
	Request            []byte
	Response           []byte
	Hash               common.Hash
	Exception          string
}

// VoteResult is one valid attestation committed in a round's Merkle tree.
type VoteResult struct {
	RoundID  uint64
	Hash     common.Hash
	Request  []byte
	Response []byte
}

// roundStateSize is the fixed encoded size of a RoundState.
const roundStateSize = 8 + 4*32 + 4 + 8

func encodeRoundState(s *RoundState) []byte {
	w := writer{buf: make([]byte, 0, roundStateSize)}
	w.u64(s.RoundID)
	w.hash(s.Root)
	w.hash(s.MaskedRoot)
	w.hash(s.Random)
	w.hash(s.HashedRandom)
	w.u32(s.ValidCount)
	w.u64(uint64(s.SavedAt.UnixMilli()))

	return w.buf
}

func decodeRoundState(b []byte) (*RoundState, error) {
	if len(b) != roundStateSize {
		return nil, fmt.Errorf("round state: size %d != %d", len(b), roundStateSize)
	}

	r := reader{buf: b}
	s := &RoundState{
		RoundID:      r.u64(),
		Root:         r.hash(),
		MaskedRoot:   r.hash(),
		Random:       r.hash(),
		HashedRandom: r.hash(),
		ValidCount:   r.u32(),
	}
	s.SavedAt = time.UnixMilli(int64(r.u64()))

	return s, r.err
}

func encodeAttestation(a *AttestationRecord) []byte {
	var w writer
	w.u64(a.RoundID)
	w.u32(a.Index)
	w.u64(a.BlockNumber)
	w.u32(a.LogIndex)
	w.str(a.Status)
	w.str(a.VerificationStatus)
	w.bytes(a.Payload)
	w.bytes(a.Request)
	w.bytes(a.Response)
	w.hash(a.Hash)
	w.str(a.Exception)

	return w.buf
}

func decodeAttestation(b []byte) (*AttestationRecord, error) {
	r := reader{buf: b}
	a := &AttestationRecord{
		RoundID:            r.u64(),
		Index:              r.u32(),
		BlockNumber:        r.u64(),
		LogIndex:           r.u32(),
		Status:             r.str(),
		VerificationStatus: r.str(),
		Payload:            r.bytes(),
		Request:            r.bytes(),
		Response:           r.bytes(),
		Hash:               r.hash(),
		Exception:          r.str(),
	}

	if r.err != nil {
		return nil, fmt.Errorf("attestation record:\n%w", r.err)
	}

	return a, nil
}

func encodeVote(v *VoteResult) []byte {
	var w writer
	w.u64(v.RoundID)
	w.hash(v.Hash)
	w.bytes(v.Request)
	w.bytes(v.Response)

	return w.buf
}

func decodeVote(b []byte) (*VoteResult, error) {
	r := reader{buf: b}
	v := &VoteResult{
		RoundID:  r.u64(),
		Hash:     r.hash(),
		Request:  r.bytes(),
		Response: r.bytes(),
	}

	if r.err != nil {
		return nil, fmt.Errorf("vote result:\n%w", r.err)
	}

	return v, nil
}
