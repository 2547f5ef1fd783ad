package round

import (
	"Attester/internal/attestation"
	"Attester/internal/dac"
)

// SourceHandler is the admission gate of one source within one round.
// Requests are admitted first come first served until the weighted
// budget would be exceeded.
type SourceHandler struct {
	round    *Round
	source   attestation.Source
	config   *dac.SourceConfig // config is fixed at construction
	consumed dac.Calls         // consumed is the sum of avgCalls admitted so far
}

// newSourceHandler looks up the budget for source in r once.
func newSourceHandler(r *Round, source attestation.Source) *SourceHandler {
	return &SourceHandler{
		round:  r,
		source: source,
		config: r.deps.config.SourceConfig(source, r.id),
	}
}

// Consumed returns the call units admitted so far.
func (h *SourceHandler) Consumed() dac.Calls {
	return h.consumed
}

// Validate admits att and forwards it to the verifier, or resolves it
// immediately as over limit (budget exhausted) or error (unknown type).
// An exhausted or zero budget wins over a missing type config.
func (h *SourceHandler) Validate(att *attestation.Attestation) {
	typ := att.Request.Type

	if h.consumed >= h.config.MaxCallsPerRound {
		h.overLimit(att, 0)
		return
	}

	tc, ok := h.config.TypeConfig(typ)
	if !ok {
		h.round.log.Error("missing type config",
			"source", h.source,
			"type", typ,
			"position", att.Request.Position(),
		)
		att.Resolve(attestation.StatusError, nil)
		return
	}

	if h.consumed+tc.AvgCalls > h.config.MaxCallsPerRound {
		h.overLimit(att, tc.AvgCalls)
		return
	}

	h.consumed += tc.AvgCalls
	att.RequiredBlocks = h.config.RequiredBlocks
	att.Status = attestation.StatusValidating

	h.round.deps.verifier.Verify(att)
}

// overLimit rejects att without verifying it.
func (h *SourceHandler) overLimit(att *attestation.Attestation, cost dac.Calls) {
	h.round.log.Debug("attestation over limit",
		"source", h.source,
		"type", att.Request.Type,
		"consumed", h.consumed,
		"cost", cost,
		"max", h.config.MaxCallsPerRound,
	)
	att.Resolve(attestation.StatusOverLimit, nil)
}
