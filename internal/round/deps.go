package round

import (
	"io"
	"time"

	"Attester/internal/attestation"
	"Attester/internal/chain"
	"Attester/internal/dac"
	"Attester/internal/store"
)

// ConfigSource answers admission budget lookups.
type ConfigSource interface {
	SourceConfig(source attestation.Source, round uint64) *dac.SourceConfig
}

// Verifier checks an admitted attestation against its source chain.
// It must eventually resolve the attestation exactly once, on the loop.
type Verifier interface {
	Verify(att *attestation.Attestation)
}

// Submitter sends a submission without blocking. done runs on the loop.
type Submitter interface {
	Submit(sub chain.Submission, done func(*chain.Receipt, error))
}

// Store persists round state and audit records. Failures are logged only.
type Store interface {
	SaveRound(state *store.RoundState) error
	GetRound(id uint64) (*store.RoundState, error)
	SaveAttestations(records []*store.AttestationRecord) error
	SaveVoteResults(results []*store.VoteResult) error
	Prune(before uint64) error
}

// Recorder receives counters for monitoring.
type Recorder interface {
	AttestationProcessed(source, status string)
	RoundFinished(status string)
	SubmissionDone(action string, ok bool)
}

// deps are the collaborators shared by every round of a manager.
type deps struct {
	config    ConfigSource
	verifier  Verifier
	submitter Submitter
	store     Store
	recorder  Recorder
	arena     *Arena
	settings  Settings
	random    io.Reader // random is nil for crypto/rand
	now       func() time.Time
}

// nopStore keeps nothing.
type nopStore struct{}

func (nopStore) SaveRound(*store.RoundState) error                 { return nil }
func (nopStore) GetRound(uint64) (*store.RoundState, error)        { return nil, nil }
func (nopStore) SaveAttestations([]*store.AttestationRecord) error { return nil }
func (nopStore) SaveVoteResults([]*store.VoteResult) error         { return nil }
func (nopStore) Prune(uint64) error                                { return nil }

// nopRecorder drops every counter.
type nopRecorder struct{}

func (nopRecorder) AttestationProcessed(string, string) {}
func (nopRecorder) RoundFinished(string)                {}
func (nopRecorder) SubmissionDone(string, bool)         {}
