package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"Attester/internal/logger"
)

const (
	// defaultPollInterval is the delay between receipt lookups.
	defaultPollInterval = time.Second

	// gasMarginDivisor adds 1/5 on top of the estimate.
	gasMarginDivisor = 5
)

// Backend is the node RPC surface the submitter needs.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EVMSubmitter signs submitAttestation transactions and waits for their
// receipts. Submissions are serialized so nonces stay ordered.
type EVMSubmitter struct {
	backend      Backend
	key          *ecdsa.PrivateKey
	from         common.Address
	contract     common.Address
	pollInterval time.Duration

	mu      sync.Mutex
	chainID *big.Int // chainID is fetched on first use
}

// NewEVMSubmitter creates a submitter sending from key to contract.
func NewEVMSubmitter(backend Backend, key *ecdsa.PrivateKey, contract common.Address) *EVMSubmitter {
	return &EVMSubmitter{
		backend:      backend,
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		contract:     contract,
		pollInterval: defaultPollInterval,
	}
}

// SetPollInterval changes the receipt polling delay.
func (s *EVMSubmitter) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// From returns the sending address.
func (s *EVMSubmitter) From() common.Address {
	return s.from
}

// SubmitAttestation implements Submitter.
func (s *EVMSubmitter) SubmitAttestation(ctx context.Context, sub Submission) (*Receipt, error) {
	data, err := PackSubmission(sub)
	if err != nil {
		return nil, err
	}

	tx, err := s.send(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("send %s:\n%w", sub, err)
	}

	logger.Debug("submission sent",
		"action", sub.Action,
		"round", sub.RoundID,
		"buffer", sub.BufferNumber,
		"tx", tx.Hash(),
	)

	return s.waitReceipt(ctx, tx.Hash())
}

// send builds, signs and broadcasts one transaction.
func (s *EVMSubmitter) send(ctx context.Context, data []byte) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chainID == nil {
		id, err := s.backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain id:\n%w", err)
		}
		s.chainID = id
	}

	nonce, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("nonce:\n%w", err)
	}

	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price:\n%w", err)
	}

	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: s.from,
		To:   &s.contract,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas:\n%w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas + gas/gasMarginDivisor,
		To:       &s.contract,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign:\n%w", err)
	}

	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}

	return signed, nil
}

// waitReceipt polls until the transaction is mined or ctx is done.
func (s *EVMSubmitter) waitReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		rc, err := s.backend.TransactionReceipt(ctx, hash)

		switch {
		case err == nil && rc != nil:
			if rc.Status != types.ReceiptStatusSuccessful {
				return nil, fmt.Errorf("%w: %s", ErrReverted, hash)
			}

			var block uint64
			if rc.BlockNumber != nil {
				block = rc.BlockNumber.Uint64()
			}

			return &Receipt{TxHash: hash, BlockNumber: block}, nil

		case err != nil && !errors.Is(err, ethereum.NotFound):
			logger.Debug("receipt lookup failed", "tx", hash, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNoReceipt, hash, ctx.Err())
		case <-ticker.C:
		}
	}
}
