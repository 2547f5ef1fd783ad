package dac

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"Attester/internal/attestation"
	"Attester/internal/logger"
)

// Manager holds the loaded generations and answers budget lookups.
// Readers never lock: the sorted generation list is replaced as a whole.
type Manager struct {
	dir    string
	gens   atomic.Pointer[[]*Generation] // gens is sorted by StartRound, descending
	active atomic.Uint64                 // active is the round currently collecting

	mu sync.Mutex // mu serializes writers of gens

	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a manager reading generation files from dir.
func NewManager(dir string) *Manager {
	m := &Manager{dir: dir}

	empty := []*Generation{}
	m.gens.Store(&empty)

	return m
}

// Dir returns the watched directory.
func (m *Manager) Dir() string {
	return m.dir
}

// SetActiveRound records the round currently collecting. It drives pruning
// and the "almost live" warning.
func (m *Manager) SetActiveRound(id uint64) {
	m.active.Store(id)
}

// ActiveRound returns the last value passed to SetActiveRound.
func (m *Manager) ActiveRound() uint64 {
	return m.active.Load()
}

// Generations returns the start rounds of the loaded generations, newest first.
func (m *Manager) Generations() []uint64 {
	gens := *m.gens.Load()

	out := make([]uint64, len(gens))
	for i, g := range gens {
		out[i] = g.StartRound
	}

	return out
}

// SourceConfig returns the budget for source in the given round.
// The newest generation with StartRound strictly below round is used.
// A missing generation or source entry yields the zero-budget default.
func (m *Manager) SourceConfig(source attestation.Source, round uint64) *SourceConfig {
	for _, g := range *m.gens.Load() {
		if g.StartRound >= round {
			continue
		}

		sc, ok := g.Sources[source]
		if !ok {
			logger.Error("dac source missing, using default",
				"source", source,
				"round", round,
				"generation", g.StartRound,
			)
			return DefaultSourceConfig(source)
		}

		return sc
	}

	logger.Error("dac generation missing, using default",
		"source", source,
		"round", round,
	)

	return DefaultSourceConfig(source)
}

// Add inserts gen, replacing a generation with the same StartRound,
// then re-sorts and prunes.
func (m *Manager) Add(gen *Generation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.active.Load()
	if gen.StartRound == active || gen.StartRound == active+1 {
		logger.Warn("dac almost live",
			"start", gen.StartRound,
			"active", active,
		)
	}

	old := *m.gens.Load()
	next := make([]*Generation, 0, len(old)+1)

	for _, g := range old {
		if g.StartRound != gen.StartRound {
			next = append(next, g)
		}
	}
	next = append(next, gen)

	sort.Slice(next, func(i, j int) bool {
		return next[i].StartRound > next[j].StartRound
	})

	next = prune(next, active)
	m.gens.Store(&next)
}

// prune keeps every generation up to and including the first one that
// started before active. Rounds still in flight may use that one.
func prune(gens []*Generation, active uint64) []*Generation {
	for i, g := range gens {
		if g.StartRound < active {
			if i+1 < len(gens) {
				logger.Debug("dac cleanup",
					"dropped", len(gens)-i-1,
					"kept", g.StartRound,
				)
			}
			return gens[:i+1]
		}
	}

	return gens
}

// LoadFile parses one generation file and adds it.
func (m *Manager) LoadFile(path string) (*Generation, error) {
	gen, err := ParseFile(path)
	if err != nil {
		return nil, err
	}

	m.Add(gen)

	logger.Info("dac loaded",
		"path", path,
		"start", gen.StartRound,
		"sources", len(gen.Sources),
	)

	return gen, nil
}

// LoadAll loads every supported file in the directory.
// A file that fails to parse is logged and skipped.
func (m *Manager) LoadAll() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("read dac dir:\n%w", err)
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() || !Supported(e.Name()) {
			continue
		}

		if _, err := m.LoadFile(filepath.Join(m.dir, e.Name())); err != nil {
			logger.Error("dac load failed", "file", e.Name(), "error", err)
			continue
		}

		loaded++
	}

	if loaded == 0 {
		logger.Warn("dac no configuration files", "dir", m.dir)
	}

	return nil
}
