// Package store persists round commit state, attestation audit records and
// vote results on top of the Pebble key-value store.
package store

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/klauspost/compress/zstd"

	"Attester/internal/storage"
)

// Key prefixes. Every key continues with the round id (8 bytes BE) so
// retention pruning is a range delete per prefix.
var (
	roundPrefix       = []byte("r:")
	attestationPrefix = []byte("a:")
	votePrefix        = []byte("v:")
)

// Store is the round state store and audit log.
type Store struct {
	db  *storage.Storage
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New wraps db. Payload-carrying records are zstd-compressed.
func New(db *storage.Storage) (*Store, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}

	return &Store{db: db, enc: enc, dec: dec}, nil
}

// Close releases the codecs. The underlying storage is left open.
func (s *Store) Close() {
	s.enc.Close()
	s.dec.Close()
}

// SaveRound writes the commit state of a round, replacing any previous one.
func (s *Store) SaveRound(state *RoundState) error {
	if err := s.db.Set(roundKey(state.RoundID), encodeRoundState(state)); err != nil {
		return fmt.Errorf("save round %d:\n%w", state.RoundID, err)
	}

	return nil
}

// GetRound returns the saved state of a round, or nil if there is none.
func (s *Store) GetRound(id uint64) (*RoundState, error) {
	data, err := s.db.Get(roundKey(id))
	if err != nil {
		return nil, fmt.Errorf("get round %d:\n%w", id, err)
	}
	if data == nil {
		return nil, nil
	}

	return decodeRoundState(data)
}

// LatestRound returns the highest saved round state, or nil.
func (s *Store) LatestRound() (*RoundState, error) {
	var last []byte

	err := s.db.IteratePrefix(roundPrefix, func(_, value []byte) error {
		last = append(last[:0], value...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan rounds:\n%w", err)
	}
	if last == nil {
		return nil, nil
	}

	return decodeRoundState(last)
}

// SaveAttestations writes the audit records of a round in one batch.
func (s *Store) SaveAttestations(records []*AttestationRecord) error {
	if len(records) == 0 {
		return nil
	}

	pairs := make([]storage.KeyValue, len(records))
	for i, rec := range records {
		pairs[i] = storage.KeyValue{
			Key:   indexedKey(attestationPrefix, rec.RoundID, rec.Index),
			Value: s.enc.EncodeAll(encodeAttestation(rec), nil),
		}
	}

	if err := s.db.SetBatch(pairs); err != nil {
		return fmt.Errorf("save %d attestations:\n%w", len(records), err)
	}

	return nil
}

// Attestations returns the audit records of a round in admission order.
func (s *Store) Attestations(roundID uint64) ([]*AttestationRecord, error) {
	var out []*AttestationRecord

	err := s.db.IteratePrefix(roundScope(attestationPrefix, roundID), func(_, value []byte) error {
		raw, err := s.dec.DecodeAll(value, nil)
		if err != nil {
			return fmt.Errorf("decompress:\n%w", err)
		}

		rec, err := decodeAttestation(raw)
		if err != nil {
			return err
		}

		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load attestations of round %d:\n%w", roundID, err)
	}

	return out, nil
}

// SaveVoteResults writes the committed leaves of a round in one batch.
func (s *Store) SaveVoteResults(results []*VoteResult) error {
	if len(results) == 0 {
		return nil
	}

	pairs := make([]storage.KeyValue, len(results))
	for i, v := range results {
		pairs[i] = storage.KeyValue{
			Key:   hashedKey(votePrefix, v.RoundID, v.Hash),
			Value: s.enc.EncodeAll(encodeVote(v), nil),
		}
	}

	if err := s.db.SetBatch(pairs); err != nil {
		return fmt.Errorf("save %d vote results:\n%w", len(results), err)
	}

	return nil
}

// VoteResults returns the committed leaves of a round ordered by hash.
func (s *Store) VoteResults(roundID uint64) ([]*VoteResult, error) {
	var out []*VoteResult

	err := s.db.IteratePrefix(roundScope(votePrefix, roundID), func(_, value []byte) error {
		raw, err := s.dec.DecodeAll(value, nil)
		if err != nil {
			return fmt.Errorf("decompress:\n%w", err)
		}

		v, err := decodeVote(raw)
		if err != nil {
			return err
		}

		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load vote results of round %d:\n%w", roundID, err)
	}

	return out, nil
}

// Prune deletes every record of rounds below before.
func (s *Store) Prune(before uint64) error {
	if before == 0 {
		return nil
	}

	for _, prefix := range [][]byte{roundPrefix, attestationPrefix, votePrefix} {
		if err := s.db.DeleteRange(roundScope(prefix, 0), roundScope(prefix, before)); err != nil {
			return fmt.Errorf("prune %s before %d:\n%w", prefix, before, err)
		}
	}

	return nil
}

// roundScope is prefix + round id, the common prefix of a round's records.
func roundScope(prefix []byte, roundID uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], roundID)
	return key
}

func roundKey(roundID uint64) []byte {
	return roundScope(roundPrefix, roundID)
}

func indexedKey(prefix []byte, roundID uint64, index uint32) []byte {
	return binary.BigEndian.AppendUint32(roundScope(prefix, roundID), index)
}

func hashedKey(prefix []byte, roundID uint64, h common.Hash) []byte {
	return append(roundScope(prefix, roundID), h[:]...)
}
