package attestation

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zeebo/blake3"
)

// HeaderSize is the size of the type (2B) + source (4B) request prefix.
const HeaderSize = 6

// Request is one attestation request observed on the base chain.
type Request struct {
	Type        Type   // Type is decoded from the payload header
	Source      Source // Source is decoded from the payload header
	Timestamp   uint64 // Timestamp is the base chain event time (not part of identity)
	Payload     []byte // Payload is the full encoded request
	BlockNumber uint64 // BlockNumber is the base chain block of the event
	LogIndex    uint32 // LogIndex is the event position inside the block
}

// NewRequest decodes the header of payload and builds a request.
func NewRequest(payload []byte, timestamp, blockNumber uint64, logIndex uint32) (*Request, error) {
	typ, source, err := DecodeHeader(payload)
	if err != nil {
		return nil, err
	}

	data := make([]byte, len(payload))
	copy(data, payload)

	return &Request{
		Type:        typ,
		Source:      source,
		Timestamp:   timestamp,
		Payload:     data,
		BlockNumber: blockNumber,
		LogIndex:    logIndex,
	}, nil
}

// DecodeHeader extracts the attestation type and source id from a payload.
// Format: [2B type BE] [4B source BE] [request body]
func DecodeHeader(payload []byte) (Type, Source, error) {
	if len(payload) < HeaderSize {
		return 0, 0, fmt.Errorf("request too short: %d < %d", len(payload), HeaderSize)
	}

	typ := Type(binary.BigEndian.Uint16(payload[0:2]))
	source := Source(binary.BigEndian.Uint32(payload[2:6]))

	return typ, source, nil
}

// EncodeHeader prefixes body with the type and source header.
func EncodeHeader(typ Type, source Source, body []byte) []byte {
	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint16(buf[0:2], uint16(typ))
	binary.BigEndian.PutUint32(buf[2:6], uint32(source))
	copy(buf[HeaderSize:], body)

	return buf
}

// Hash is the dedup identity of the request: BLAKE3 of the payload.
// The timestamp is excluded so redelivered events collapse to one entry.
func (r *Request) Hash() common.Hash {
	return common.Hash(blake3.Sum256(r.Payload))
}

// Compare orders requests by block number, then log index.
func (r *Request) Compare(o *Request) int {
	switch {
	case r.BlockNumber < o.BlockNumber:
		return -1
	case r.BlockNumber > o.BlockNumber:
		return 1
	case r.LogIndex < o.LogIndex:
		return -1
	case r.LogIndex > o.LogIndex:
		return 1
	default:
		return 0
	}
}

// Position formats the origin as "block.logIndex" for logs.
func (r *Request) Position() string {
	return fmt.Sprintf("%d.%d", r.BlockNumber, r.LogIndex)
}
