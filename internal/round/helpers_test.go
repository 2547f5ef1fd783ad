package round

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"Attester/internal/attestation"
	"Attester/internal/chain"
	"Attester/internal/dac"
	"Attester/internal/store"
)

// fakeConfig returns a fixed SourceConfig per source.
type fakeConfig struct {
	sources map[attestation.Source]*dac.SourceConfig
}

func (c *fakeConfig) SourceConfig(source attestation.Source, _ uint64) *dac.SourceConfig {
	if sc, ok := c.sources[source]; ok {
		return sc
	}
	return dac.DefaultSourceConfig(source)
}

// budgetConfig gives BTC Payment requests the given cost and budget in whole calls.
func budgetConfig(max, avg uint64) *fakeConfig {
	return &fakeConfig{sources: map[attestation.Source]*dac.SourceConfig{
		attestation.SourceBTC: {
			Source:           attestation.SourceBTC,
			MaxCallsPerRound: dac.Whole(max),
			RequiredBlocks:   2,
			Types: map[attestation.Type]dac.TypeConfig{
				attestation.TypePayment: {Type: attestation.TypePayment, AvgCalls: dac.Whole(avg)},
			},
		},
	}}
}

// fakeVerifier records admitted attestations. With auto set, it resolves
// each one as valid with a leaf derived from the payload.
type fakeVerifier struct {
	pending []*attestation.Attestation
	auto    bool
}

func (v *fakeVerifier) Verify(att *attestation.Attestation) {
	if v.auto {
		att.Resolve(attestation.StatusValid, &attestation.Verification{
			Status: "OK",
			Hash:   crypto.Keccak256Hash(att.Request.Payload),
		})
		return
	}
	v.pending = append(v.pending, att)
}

// fakeSubmitter records submissions and answers synchronously.
type fakeSubmitter struct {
	subs []chain.Submission
	fail bool
}

func (s *fakeSubmitter) Submit(sub chain.Submission, done func(*chain.Receipt, error)) {
	s.subs = append(s.subs, sub)
	if s.fail {
		done(nil, errors.New("rpc unavailable"))
		return
	}
	done(&chain.Receipt{TxHash: common.HexToHash("0xfeed")}, nil)
}

// memStore keeps records in maps.
type memStore struct {
	rounds map[uint64]*store.RoundState
	atts   []*store.AttestationRecord
	votes  []*store.VoteResult
	pruned uint64
}

func newMemStore() *memStore {
	return &memStore{rounds: make(map[uint64]*store.RoundState)}
}

func (s *memStore) SaveRound(st *store.RoundState) error {
	s.rounds[st.RoundID] = st
	return nil
}

func (s *memStore) GetRound(id uint64) (*store.RoundState, error) {
	return s.rounds[id], nil
}

func (s *memStore) SaveAttestations(recs []*store.AttestationRecord) error {
	s.atts = append(s.atts, recs...)
	return nil
}

func (s *memStore) SaveVoteResults(v []*store.VoteResult) error {
	s.votes = append(s.votes, v...)
	return nil
}

func (s *memStore) Prune(before uint64) error {
	s.pruned = before
	return nil
}

// blockingSubmitter is a chain.Submitter answering after delay.
type blockingSubmitter struct {
	delay time.Duration
	err   error
}

func (s *blockingSubmitter) SubmitAttestation(ctx context.Context, sub chain.Submission) (*chain.Receipt, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if s.err != nil {
		return nil, s.err
	}

	return &chain.Receipt{BlockNumber: sub.BufferNumber}, nil
}

// testEnv bundles the fakes behind one round arena.
type testEnv struct {
	deps      *deps
	verifier  *fakeVerifier
	submitter *fakeSubmitter
	store     *memStore
}

func newTestEnv(t *testing.T, cfg ConfigSource) *testEnv {
	t.Helper()

	env := &testEnv{
		verifier:  &fakeVerifier{},
		submitter: &fakeSubmitter{},
		store:     newMemStore(),
	}

	env.deps = &deps{
		config:    cfg,
		verifier:  env.verifier,
		submitter: env.submitter,
		store:     env.store,
		recorder:  nopRecorder{},
		arena:     NewArena(),
		settings:  DefaultSettings(time.Unix(0, 0)),
		now:       time.Now,
	}

	return env
}

// round creates round id in the arena.
func (e *testEnv) round(id uint64) *Round {
	r := newRound(id, e.deps)
	e.deps.arena.Put(r)
	return r
}

// request builds a Payment/BTC request with a unique body.
func request(t *testing.T, body string) *attestation.Request {
	t.Helper()

	payload := attestation.EncodeHeader(attestation.TypePayment, attestation.SourceBTC, []byte(body))

	req, err := attestation.NewRequest(payload, 0, 1, 0)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	return req
}

// leafFor returns a deterministic leaf.
func leafFor(i int) common.Hash {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("leaf-%d", i)))
}
