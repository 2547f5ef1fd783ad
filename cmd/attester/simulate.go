package main

import (
	"context"
	"crypto/rand"
	"time"

	"Attester/internal/attestation"
	"Attester/internal/chain"
	"Attester/internal/logger"
)

// simulatedBodySize is the random body length of a generated request.
const simulatedBodySize = 32

// simulator feeds random payment requests into the engine, standing in
// for the base chain event stream.
type simulator struct {
	attest   chain.AttestFunc
	interval time.Duration
	block    uint64
}

func newSimulator(attest chain.AttestFunc, interval time.Duration) *simulator {
	if interval <= 0 {
		interval = time.Second
	}

	return &simulator{attest: attest, interval: interval}
}

// run generates one request per interval until ctx is done.
func (s *simulator) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Info("simulation started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			return

		case now := <-ticker.C:
			req, err := s.next(now)
			if err != nil {
				logger.Warn("failed to generate request", "error", err)
				continue
			}

			if !s.attest(req) {
				return
			}
		}
	}
}

// next builds a BTC payment request with a random body.
func (s *simulator) next(now time.Time) (*attestation.Request, error) {
	body := make([]byte, simulatedBodySize)
	if _, err := rand.Read(body); err != nil {
		return nil, err
	}

	s.block++

	payload := attestation.EncodeHeader(attestation.TypePayment, attestation.SourceBTC, body)

	return attestation.NewRequest(payload, uint64(now.Unix()), s.block, 0)
}
