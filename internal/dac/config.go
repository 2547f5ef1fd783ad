// Package dac implements the Dynamic Admission Config: per-source call
// budgets grouped into generations that take effect from a given round.
package dac

import (
	"fmt"
	"math"
	"strconv"

	"Attester/internal/attestation"
)

// DefaultRequiredBlocks is used when a source entry does not set requiredBlocks.
const DefaultRequiredBlocks = 1

// CallUnit is one whole call in Calls.
const CallUnit Calls = 1000

// Calls is a call budget in thousandths of a call. Fractional costs from
// config files add up exactly and in any order.
type Calls uint64

// Whole returns n whole calls.
func Whole(n uint64) Calls {
	return Calls(n) * CallUnit
}

// CallsOf converts a decimal call count, rounded to the nearest thousandth.
func CallsOf(v float64) (Calls, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("invalid call count %v", v)
	}

	milli := math.Round(v * float64(CallUnit))
	if milli >= math.MaxUint64 {
		return 0, fmt.Errorf("call count %v out of range", v)
	}

	return Calls(milli), nil
}

// String formats c as a decimal call count.
func (c Calls) String() string {
	return strconv.FormatFloat(float64(c)/float64(CallUnit), 'f', -1, 64)
}

// TypeConfig is the admission cost of one attestation type.
type TypeConfig struct {
	Type     attestation.Type
	AvgCalls Calls // AvgCalls is charged against the source budget per admitted request
}

// SourceConfig is the per-round budget of one source.
type SourceConfig struct {
	Source           attestation.Source
	MaxCallsPerRound Calls
	RequiredBlocks   uint64
	Types            map[attestation.Type]TypeConfig
}

// DefaultSourceConfig returns the zero-budget fallback config.
// Every request for the source is rejected as over limit.
func DefaultSourceConfig(source attestation.Source) *SourceConfig {
	return &SourceConfig{
		Source:         source,
		RequiredBlocks: DefaultRequiredBlocks,
		Types:          map[attestation.Type]TypeConfig{},
	}
}

// TypeConfig returns the cost entry for typ.
func (c *SourceConfig) TypeConfig(typ attestation.Type) (TypeConfig, bool) {
	tc, ok := c.Types[typ]
	return tc, ok
}

// Generation is one loaded config file.
// It applies to rounds strictly after StartRound.
type Generation struct {
	StartRound uint64
	Sources    map[attestation.Source]*SourceConfig
	Path       string // Path is the file the generation came from, empty if built in code
}
