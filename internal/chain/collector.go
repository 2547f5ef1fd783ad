package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"Attester/internal/attestation"
	"Attester/internal/logger"
)

const (
	defaultCollectInterval = 2 * time.Second
	defaultMaxRange        = 1000
)

// LogBackend is the node RPC surface the collector needs.
// *ethclient.Client satisfies it.
type LogBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	Contract      common.Address // Contract emits AttestationRequest
	StartBlock    uint64         // StartBlock is the first block scanned
	Confirmations uint64         // Confirmations is the lag behind the head
	PollInterval  time.Duration
	MaxRange      uint64 // MaxRange bounds blocks per FilterLogs call
}

// AttestFunc receives every decoded request.
type AttestFunc func(*attestation.Request) bool

// Collector scans confirmed blocks for AttestationRequest events and
// hands the decoded requests to the round manager.
type Collector struct {
	backend LogBackend
	cfg     CollectorConfig
	attest  AttestFunc
	next    uint64 // next is the first block not yet scanned
}

// NewCollector creates a collector starting at cfg.StartBlock.
func NewCollector(backend LogBackend, cfg CollectorConfig, attest AttestFunc) *Collector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultCollectInterval
	}
	if cfg.MaxRange == 0 {
		cfg.MaxRange = defaultMaxRange
	}

	return &Collector{
		backend: backend,
		cfg:     cfg,
		attest:  attest,
		next:    cfg.StartBlock,
	}
}

// Next returns the next block to scan.
func (c *Collector) Next() uint64 {
	return c.next
}

// Run polls until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := c.Poll(ctx); err != nil {
			logger.Warn("collect requests", "from", c.next, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll scans one range of confirmed blocks and returns the number of
// requests handed over.
func (c *Collector) Poll(ctx context.Context) (int, error) {
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number:\n%w", err)
	}

	if head < c.cfg.Confirmations {
		return 0, nil
	}

	to := head - c.cfg.Confirmations
	if to < c.next {
		return 0, nil
	}

	if to-c.next+1 > c.cfg.MaxRange {
		to = c.next + c.cfg.MaxRange - 1
	}

	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: bigUint(c.next),
		ToBlock:   bigUint(to),
		Addresses: []common.Address{c.cfg.Contract},
		Topics:    [][]common.Hash{{RequestTopic()}},
	})
	if err != nil {
		return 0, fmt.Errorf("filter logs %d-%d:\n%w", c.next, to, err)
	}

	count := 0
	for i := range logs {
		req, err := DecodeRequestLog(&logs[i])
		if err != nil {
			logger.Warn("skip request log",
				"block", logs[i].BlockNumber,
				"index", logs[i].Index,
				"error", err,
			)
			continue
		}

		if c.attest(req) {
			count++
		}
	}

	c.next = to + 1

	return count, nil
}

// DecodeRequestLog turns an AttestationRequest log into a request.
func DecodeRequestLog(l *types.Log) (*attestation.Request, error) {
	if l.Removed {
		return nil, fmt.Errorf("log removed by reorg")
	}

	if len(l.Topics) == 0 || l.Topics[0] != RequestTopic() {
		return nil, fmt.Errorf("not an %s log", requestEvent)
	}

	ts, payload, err := UnpackRequest(l.Data)
	if err != nil {
		return nil, err
	}

	return attestation.NewRequest(payload, ts, l.BlockNumber, uint32(l.Index))
}

func bigUint(n uint64) *big.Int {
	return new(big.Int).SetUint64(n)
}
