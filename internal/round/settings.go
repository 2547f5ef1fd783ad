package round

import (
	"errors"
	"time"
)

const (
	// DefaultRoundDuration is the length of one collect window.
	DefaultRoundDuration = 90 * time.Second

	// DefaultCommitTime is how long before a window ends the submission is sent.
	DefaultCommitTime = 10 * time.Second
)

// Settings define round boundaries.
//
// Round N collects during [s, s+D) where s = FirstRoundStart + N*D, commits
// during [s+D, s+2D) and reveals during [s+2D, s+3D).
type Settings struct {
	FirstRoundStart time.Time
	RoundDuration   time.Duration
	CommitTime      time.Duration
	SubmitFinalize  bool // SubmitFinalize sends a finalize transaction at commit epoch start
}

// DefaultSettings returns settings with the default durations starting at first.
func DefaultSettings(first time.Time) Settings {
	return Settings{
		FirstRoundStart: first,
		RoundDuration:   DefaultRoundDuration,
		CommitTime:      DefaultCommitTime,
	}
}

// Validate checks that durations allow a submit slot inside each window.
func (s Settings) Validate() error {
	if s.RoundDuration <= 0 {
		return errors.New("round duration must be positive")
	}

	if s.CommitTime <= 0 || s.CommitTime >= s.RoundDuration {
		return errors.New("commit time must be positive and shorter than the round duration")
	}

	return nil
}

// RoundAt returns the round collecting at t. Times before the first round map to 0.
func (s Settings) RoundAt(t time.Time) uint64 {
	if t.Before(s.FirstRoundStart) {
		return 0
	}

	return uint64(t.Sub(s.FirstRoundStart) / s.RoundDuration)
}

// RoundStart returns the start of the collect window of round id.
func (s Settings) RoundStart(id uint64) time.Time {
	return s.FirstRoundStart.Add(time.Duration(id) * s.RoundDuration)
}

// RevealStart returns the start of the reveal window of round id.
func (s Settings) RevealStart(id uint64) time.Time {
	return s.RoundStart(id + 2)
}
