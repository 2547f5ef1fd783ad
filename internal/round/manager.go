package round

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"Attester/internal/attestation"
	"Attester/internal/logger"
)

const (
	// tickInterval is how often the manager checks the schedule.
	tickInterval = 50 * time.Millisecond

	// keepRounds is how many rounds behind the active one stay in memory.
	keepRounds = 3
)

// Round events in schedule order.
const (
	stageCommitEpoch = iota // s+D
	stageSubmit             // s+2D-CommitTime
	stageRevealEpoch        // s+2D
	stageReveal             // s+3D-CommitTime
	stageCompleted          // s+3D
	stageDone
)

// ActiveRoundSetter is told which round is collecting.
type ActiveRoundSetter interface {
	SetActiveRound(id uint64)
}

// Config wires a Manager. Store, Recorder and Random are optional.
type Config struct {
	Settings  Settings
	DAC       ConfigSource
	Verifier  Verifier
	Submitter Submitter
	Store     Store
	Recorder  Recorder
	Random    io.Reader
	Retention uint64 // Retention is how many rounds of records the store keeps, 0 keeps all
	Now       func() time.Time
}

// Manager owns the clock and the live rounds. It routes requests to the
// active round and drives every round through its schedule.
type Manager struct {
	loop      *Loop
	deps      *deps
	arena     *Arena
	retention uint64

	active    atomic.Uint64
	hasActive bool   // hasActive is false until the first tick
	pruned    uint64 // pruned is the last store retention bound applied
}

// NewManager creates a manager running on loop.
func NewManager(cfg Config, loop *Loop) (*Manager, error) {
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	if cfg.DAC == nil || cfg.Verifier == nil || cfg.Submitter == nil {
		return nil, errors.New("manager needs a config source, a verifier and a submitter")
	}

	if cfg.Store == nil {
		cfg.Store = nopStore{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	arena := NewArena()

	return &Manager{
		loop:  loop,
		arena: arena,
		deps: &deps{
			config:    cfg.DAC,
			verifier:  cfg.Verifier,
			submitter: cfg.Submitter,
			store:     cfg.Store,
			recorder:  cfg.Recorder,
			arena:     arena,
			settings:  cfg.Settings,
			random:    cfg.Random,
			now:       cfg.Now,
		},
		retention: cfg.Retention,
	}, nil
}

// Settings returns the round timing.
func (m *Manager) Settings() Settings {
	return m.deps.settings
}

// ActiveRound returns the round currently collecting.
func (m *Manager) ActiveRound() uint64 {
	return m.active.Load()
}

// Run drives the schedule and the loop until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	m.tick(m.deps.now())
	m.loop.Run(ctx, tickInterval, func(time.Time) {
		m.tick(m.deps.now())
	})
}

// Attest queues req for the round of its event time. It returns false once the loop stopped.
func (m *Manager) Attest(req *attestation.Request) bool {
	return m.loop.Post(func() {
		m.attest(req)
	})
}

// attest adds req to the round its event time falls in, so every node
// assigns a base chain event to the same round whatever its ingestion lag.
// Requests without a timestamp go to the round collecting now. A round
// that stopped collecting drops the request itself.
func (m *Manager) attest(req *attestation.Request) {
	active := m.deps.settings.RoundAt(m.deps.now())

	id := active
	if req.Timestamp != 0 {
		id = m.deps.settings.RoundAt(time.Unix(int64(req.Timestamp), 0))
	}

	switch {
	case id > active+1:
		logger.Warn("attestation from a future round dropped",
			"round", id,
			"active", active,
			"position", req.Position(),
		)
		return

	case id < active:
		r, ok := m.arena.Get(id)
		if !ok {
			logger.Warn("attestation for a finished round dropped",
				"round", id,
				"active", active,
				"position", req.Position(),
			)
			return
		}
		r.AddAttestation(req)
		return
	}

	m.round(id).AddAttestation(req)
}

// Rounds returns a snapshot of the live rounds in ascending order.
func (m *Manager) Rounds(ctx context.Context) ([]Info, error) {
	out := make(chan []Info, 1)

	ok := m.loop.Post(func() {
		infos := make([]Info, 0, m.arena.Len())
		for _, id := range m.arena.IDs() {
			r, _ := m.arena.Get(id)
			infos = append(infos, r.Info())
		}
		out <- infos
	})
	if !ok {
		return nil, errors.New("round loop stopped")
	}

	select {
	case infos := <-out:
		return infos, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// round returns the round with id, creating it if needed.
func (m *Manager) round(id uint64) *Round {
	r, ok := m.arena.Get(id)
	if !ok {
		r = newRound(id, m.deps)
		m.arena.Put(r)
		logger.Debug("round created", "round", id)
	}

	return r
}

// tick updates the active round, fires due events and prunes old rounds.
func (m *Manager) tick(now time.Time) {
	id := m.deps.settings.RoundAt(now)

	if !m.hasActive || id != m.active.Load() {
		m.hasActive = true
		m.active.Store(id)

		if s, ok := m.deps.config.(ActiveRoundSetter); ok {
			s.SetActiveRound(id)
		}

		logger.Info("active round", "round", id)
	}

	m.round(id)

	for _, rid := range m.arena.IDs() {
		r, _ := m.arena.Get(rid)
		m.advance(r, now)
	}

	if id > keepRounds {
		if n := m.arena.PruneBelow(id - keepRounds); n > 0 {
			logger.Debug("rounds pruned", "count", n, "below", id-keepRounds)
		}
	}

	m.pruneStore(id)
}

// advance fires every event of r that is due at now, in schedule order.
func (m *Manager) advance(r *Round, now time.Time) {
	start := m.deps.settings.RoundStart(r.id)

	for r.stage < stageDone {
		if now.Before(start.Add(m.stageOffset(r.stage))) {
			return
		}

		m.fire(r, r.stage)
		r.stage++
	}
}

// stageOffset returns the time of a stage relative to the round start.
func (m *Manager) stageOffset(stage int) time.Duration {
	d := m.deps.settings.RoundDuration
	ct := m.deps.settings.CommitTime

	switch stage {
	case stageCommitEpoch:
		return d
	case stageSubmit:
		return 2*d - ct
	case stageRevealEpoch:
		return 2 * d
	case stageReveal:
		return 3*d - ct
	default:
		return 3 * d
	}
}

// fire applies one scheduled event.
func (m *Manager) fire(r *Round, stage int) {
	switch stage {
	case stageCommitEpoch:
		r.StartCommitEpoch()
		r.StartCommitSubmit()

	case stageSubmit:
		r.CommitLimit()
		if r.status == StatusCommitted {
			// Already submitted by the previous round's reveal.
			return
		}
		r.FirstCommit()

	case stageRevealEpoch:
		r.StartRevealEpoch()

	case stageReveal:
		r.Reveal()

	case stageCompleted:
		r.Completed()
	}
}

// pruneStore drops persisted records outside the retention window.
func (m *Manager) pruneStore(active uint64) {
	if m.retention == 0 || active <= m.retention {
		return
	}

	before := active - m.retention
	if before <= m.pruned {
		return
	}

	if err := m.deps.store.Prune(before); err != nil {
		logger.Warn("store prune failed", "before", before, "error", err)
		return
	}

	m.pruned = before
}
