package api

import (
	"fmt"
	"time"

	"Attester/internal/attestation"
)

// validateRequest checks a raw payload before it reaches a round.
// The header must name a known source and attestation type and a body
// must follow it.
func validateRequest(data []byte) (*attestation.Request, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty request")
	}

	typ, source, err := attestation.DecodeHeader(data)
	if err != nil {
		return nil, err
	}

	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %d", attestation.ErrUnknownType, uint16(typ))
	}

	if !source.Valid() {
		return nil, fmt.Errorf("%w: %d", attestation.ErrUnknownSource, uint32(source))
	}

	req, err := attestation.NewRequest(data, uint64(time.Now().Unix()), 0, 0)
	if err != nil {
		return nil, err
	}

	if len(req.Payload) == attestation.HeaderSize {
		return nil, fmt.Errorf("request has no body")
	}

	return req, nil
}
