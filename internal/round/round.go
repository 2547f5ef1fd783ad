package round

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Attester/internal/attestation"
	"Attester/internal/chain"
	"Attester/internal/logger"
	"Attester/internal/merkle"
	"Attester/internal/store"
)

// Round owns the lifecycle of one round: ingestion with dedup, admission,
// completion tracking, commit value derivation and the commit/reveal
// submissions. All methods must run on the loop goroutine.
type Round struct {
	id   uint64
	deps *deps
	log  *slog.Logger

	phase  Phase
	status AttestStatus

	attestations []*attestation.Attestation
	byHash       map[common.Hash]*attestation.Attestation
	processed    int

	handlers map[attestation.Source]*SourceHandler

	commit     *merkle.Commit // commit is immutable once set
	validCount int

	stage int // stage is the next scheduled event, driven by the manager
}

// newRound creates a collecting round.
func newRound(id uint64, d *deps) *Round {
	return &Round{
		id:       id,
		deps:     d,
		log:      logger.With("round", id),
		phase:    PhaseCollect,
		status:   StatusCollecting,
		byHash:   make(map[common.Hash]*attestation.Attestation),
		handlers: make(map[attestation.Source]*SourceHandler),
	}
}

// ID returns the round id.
func (r *Round) ID() uint64 { return r.id }

// Phase returns the current epoch phase.
func (r *Round) Phase() Phase { return r.phase }

// AttestStatus returns the commit progress.
func (r *Round) AttestStatus() AttestStatus { return r.status }

// Counts returns the admitted and processed attestation counts.
func (r *Round) Counts() (admitted, processed int) {
	return len(r.attestations), r.processed
}

// Commit returns the commit values, or nil if none were derived yet.
func (r *Round) Commit() *merkle.Commit { return r.commit }

// Attestations returns the admitted attestations in admission order.
func (r *Round) Attestations() []*attestation.Attestation { return r.attestations }

// Info returns a monitoring snapshot.
func (r *Round) Info() Info {
	info := Info{
		ID:           r.id,
		Phase:        r.phase,
		AttestStatus: r.status,
		Admitted:     len(r.attestations),
		Processed:    r.processed,
		Valid:        r.validCount,
	}

	if r.commit != nil {
		root, masked := r.commit.Root, r.commit.MaskedRoot
		info.Root = &root
		info.MaskedRoot = &masked
	}

	return info
}

// AddAttestation admits req unless an identical payload is already in the
// round. Duplicates are dropped and false is returned.
func (r *Round) AddAttestation(req *attestation.Request) bool {
	if r.phase != PhaseCollect {
		r.log.Warn("attestation after collect epoch dropped",
			"phase", r.phase,
			"position", req.Position(),
		)
		return false
	}

	h := req.Hash()
	if dup, ok := r.byHash[h]; ok {
		r.log.Debug("duplicate attestation",
			"first", dup.Request.Position(),
			"duplicate", req.Position(),
		)
		return false
	}

	att := attestation.New(r.id, req)
	att.OnProcessed(r.onProcessed)

	r.attestations = append(r.attestations, att)
	r.byHash[h] = att

	r.handler(req.Source).Validate(att)

	return true
}

// handler returns the source handler of source, creating it on first use.
func (r *Round) handler(source attestation.Source) *SourceHandler {
	h, ok := r.handlers[source]
	if !ok {
		h = newSourceHandler(r, source)
		r.handlers[source] = h
	}

	return h
}

// onProcessed is the completion callback of every attestation.
func (r *Round) onProcessed(att *attestation.Attestation) {
	r.processed++
	if r.processed > len(r.attestations) {
		panic(fmt.Sprintf("round %d: processed %d > admitted %d", r.id, r.processed, len(r.attestations)))
	}

	r.deps.recorder.AttestationProcessed(att.Request.Source.String(), att.Status.String())

	r.tryTriggerCommit()
}

// tryTriggerCommit commits once every admitted attestation is processed
// and the commit epoch has started.
func (r *Round) tryTriggerCommit() {
	if r.processed != len(r.attestations) {
		return
	}

	if r.phase != PhaseCommit || r.status != StatusCollecting {
		return
	}

	r.log.Info("all attestations processed, committing", "count", len(r.attestations))
	r.commitValues()
}

// StartCommitEpoch moves to the commit phase and commits if everything
// was already processed.
func (r *Round) StartCommitEpoch() {
	if !r.setPhase(PhaseCommit) {
		return
	}

	r.log.Info("commit epoch started",
		"processed", r.processed,
		"admitted", len(r.attestations),
		"rate", fmt.Sprintf("%.2f/s", float64(len(r.attestations))/r.deps.settings.RoundDuration.Seconds()),
	)

	r.tryTriggerCommit()
}

// StartCommitSubmit sends the optional finalize transaction.
func (r *Round) StartCommitSubmit() {
	if !r.deps.settings.SubmitFinalize {
		return
	}

	sub := chain.Submission{
		Action:       chain.ActionFinalize,
		RoundID:      r.id,
		BufferNumber: r.id + 1,
	}

	r.submit(sub, func(ok bool) {
		if ok && r.id >= 3 {
			r.log.Info("finalized", "finalizedRound", r.id-3)
		}
	})
}

// StartRevealEpoch moves to the reveal phase.
func (r *Round) StartRevealEpoch() {
	if r.setPhase(PhaseReveal) {
		r.log.Info("reveal epoch started", "status", r.status)
	}
}

// Completed moves to the completed phase.
func (r *Round) Completed() {
	if r.setPhase(PhaseCompleted) {
		r.log.Info("round completed", "status", r.status)
		r.deps.recorder.RoundFinished(r.status.String())
	}
}

// setPhase moves forward to p. Backward or repeated moves are logged and ignored.
func (r *Round) setPhase(p Phase) bool {
	if p <= r.phase {
		r.log.Error("phase cannot move backward", "from", r.phase, "to", p)
		return false
	}

	r.phase = p
	return true
}

// CommitLimit abandons collection if the round has not committed yet.
func (r *Round) CommitLimit() {
	if r.status != StatusCollecting {
		return
	}

	r.log.Error("processing timeout",
		"processed", r.processed,
		"admitted", len(r.attestations),
	)
	r.status = StatusProcessingTimeout
}

// CanCommit reports whether commit values were derived from fully
// processed attestations in the commit epoch.
func (r *Round) CanCommit() bool {
	return r.processed == len(r.attestations) &&
		r.status == StatusCommitting &&
		r.phase == PhaseCommit
}

// commitValues derives the Merkle root and commit values from the valid
// attestations. It runs at most once per round.
func (r *Round) commitValues() {
	if r.phase != PhaseCommit {
		r.log.Error("cannot commit, wrong phase", "phase", r.phase)
		return
	}
	if r.status != StatusCollecting {
		r.log.Error("cannot commit, wrong status", "status", r.status)
		return
	}

	r.status = StatusCommitting
	start := r.deps.now()

	var valid []*attestation.Attestation
	records := make([]*store.AttestationRecord, len(r.attestations))

	for i, att := range r.attestations {
		if att.Status == attestation.StatusValid {
			if att.Verification == nil {
				r.log.Error("valid attestation without verification data", "position", att.Request.Position())
			} else {
				valid = append(valid, att)
			}
		}
		records[i] = auditRecord(uint32(i), att)
	}

	if err := r.deps.store.SaveAttestations(records); err != nil {
		r.log.Error("save attestations failed", "error", err)
	}

	if len(valid) == 0 {
		r.log.Warn("nothing to commit", "attestations", len(r.attestations))
		r.status = StatusNothingToCommit
		return
	}

	r.log.Info("committing", "valid", len(valid), "attestations", len(r.attestations))

	leaves := make([]common.Hash, 0, len(valid))
	votes := make([]*store.VoteResult, 0, len(valid))

	for _, att := range valid {
		leaf := att.Verification.Hash
		leaves = append(leaves, leaf)
		votes = append(votes, &store.VoteResult{
			RoundID:  r.id,
			Hash:     leaf,
			Request:  att.Verification.Request,
			Response: att.Verification.Response,
		})
	}

	if err := r.deps.store.SaveVoteResults(votes); err != nil {
		r.log.Error("save vote results failed", "error", err)
	}

	prepared := r.deps.now()

	root, _ := merkle.New(leaves).Root()

	c, err := merkle.NewCommit(root, r.deps.random)
	if err != nil {
		r.log.Error("derive commit values failed", "error", err)
		r.status = StatusError
		return
	}

	if !c.Check() {
		logger.Critical("masked root calculated incorrectly",
			"round", r.id,
			"root", c.Root,
			"maskedRoot", c.MaskedRoot,
		)
	}

	r.commit = c
	r.validCount = len(valid)
	r.saveState()

	done := r.deps.now()

	r.log.Info("commit",
		"attestations", len(leaves),
		"root", c.Root,
		"timeLeft", r.deps.settings.RevealStart(r.id).Sub(done).Round(time.Millisecond),
		"prepare", prepared.Sub(start),
		"merkle", done.Sub(prepared),
	)
}

// createEmptyState derives commit values over the zero root so that a
// value exists to submit. Existing commit values are kept.
func (r *Round) createEmptyState() {
	if r.commit != nil {
		return
	}

	r.log.Debug("create empty state")

	c, err := merkle.EmptyCommit(r.deps.random)
	if err != nil {
		r.log.Error("derive empty commit failed", "error", err)
		return
	}

	r.commit = c
	r.saveState()
}

// saveState persists the commit values. Failures are logged.
func (r *Round) saveState() {
	state := &store.RoundState{
		RoundID:      r.id,
		Root:         r.commit.Root,
		MaskedRoot:   r.commit.MaskedRoot,
		Random:       r.commit.Random,
		HashedRandom: r.commit.HashedRandom,
		ValidCount:   uint32(r.validCount),
		SavedAt:      r.deps.now(),
	}

	if err := r.deps.store.SaveRound(state); err != nil {
		r.log.Error("save round failed", "error", err)
	}
}

// FirstCommit submits this round's commit when the previous round's
// reveal did not carry it. The previous random comes from the store.
func (r *Round) FirstCommit() {
	if !r.CanCommit() {
		r.createEmptyState()
	}

	if r.commit == nil {
		r.log.Error("first commit without commit values")
		r.status = StatusError
		return
	}

	sub := chain.Submission{
		Action:       chain.ActionFirstCommit,
		RoundID:      r.id,
		BufferNumber: r.id + 1,
		Root:         r.commit.Root,
		MaskedRoot:   r.commit.MaskedRoot,
		Random:       r.commit.Random,
		HashedRandom: r.commit.HashedRandom,
		PrevRandom:   r.previousRandom(),
	}

	r.submit(sub, func(ok bool) {
		if ok {
			r.log.Info("committed")
			r.status = StatusCommitted
		} else {
			r.status = StatusError
		}
	})
}

// previousRandom returns the random committed by round id-1, or zero.
func (r *Round) previousRandom() common.Hash {
	if r.id == 0 {
		return common.Hash{}
	}

	state, err := r.deps.store.GetRound(r.id - 1)
	if err != nil {
		r.log.Warn("load previous round failed", "error", err)
	}
	if state != nil {
		return state.Random
	}

	if prev, ok := r.deps.arena.Get(r.id - 1); ok && prev.commit != nil {
		return prev.commit.Random
	}

	return common.Hash{}
}

// Reveal submits this round's random together with the next round's
// commit values. The next round is marked committed.
func (r *Round) Reveal() {
	if r.phase != PhaseReveal {
		r.log.Error("cannot reveal, not in reveal epoch", "phase", r.phase)
		return
	}

	if r.status != StatusCommitted {
		switch r.status {
		case StatusNothingToCommit:
			r.log.Warn("nothing to reveal")
		case StatusCollecting:
			r.log.Error("cannot reveal, attestations not processed",
				"processed", r.processed,
				"admitted", len(r.attestations),
			)
		case StatusCommitting:
			r.log.Error("cannot reveal, still committing")
		default:
			r.log.Error("cannot reveal, not committed", "status", r.status)
		}
		return
	}

	sub := chain.Submission{
		Action:       chain.ActionReveal,
		RoundID:      r.id + 1,
		BufferNumber: r.id + 2,
	}

	if next, ok := r.deps.arena.Get(r.id + 1); ok {
		if !next.CanCommit() {
			next.createEmptyState()
		}

		if c := next.commit; c != nil {
			sub.Root = c.Root
			sub.MaskedRoot = c.MaskedRoot
			sub.Random = c.Random
			sub.HashedRandom = c.HashedRandom
		}

		next.status = StatusCommitted
	}

	if r.commit != nil {
		sub.PrevRandom = r.commit.Random
	}

	r.submit(sub, func(ok bool) {
		if ok {
			r.log.Info("reveal submitted", "buffer", sub.BufferNumber)
			r.status = StatusRevealed
		} else {
			r.log.Error("reveal failed, no receipt", "buffer", sub.BufferNumber)
			r.status = StatusError
		}
	})
}

// submit hands sub to the submitter and reports the outcome to done on the loop.
func (r *Round) submit(sub chain.Submission, done func(ok bool)) {
	r.log.Info("submitting", "action", sub.Action, "buffer", sub.BufferNumber, "for", sub.RoundID)

	r.deps.submitter.Submit(sub, func(rc *chain.Receipt, err error) {
		ok := err == nil && rc != nil
		if err != nil {
			r.log.Error("submission failed", "action", sub.Action, "error", err)
		}

		r.deps.recorder.SubmissionDone(string(sub.Action), ok)
		done(ok)
	})
}

// auditRecord converts an attestation to its persisted form.
func auditRecord(index uint32, att *attestation.Attestation) *store.AttestationRecord {
	rec := &store.AttestationRecord{
		RoundID:     att.RoundID,
		Index:       index,
		BlockNumber: att.Request.BlockNumber,
		LogIndex:    att.Request.LogIndex,
		Status:      att.Status.String(),
		Payload:     att.Request.Payload,
	}

	if v := att.Verification; v != nil {
		rec.VerificationStatus = v.Status
		rec.Request = v.Request
		rec.Response = v.Response
		rec.Hash = v.Hash
		rec.Exception = v.Exception
	}

	return rec
}
