package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// contractABI covers the attestation contract surface used by the node:
// the submission method and the request event.
const contractABI = `[
	{
		"type": "function",
		"name": "submitAttestation",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "bufferNumber", "type": "uint256"},
			{"name": "maskedMerkleHash", "type": "bytes32"},
			{"name": "committedRandom", "type": "bytes32"},
			{"name": "revealedRandom", "type": "bytes32"}
		],
		"outputs": [{"name": "_isInitialBufferSlot", "type": "bool"}]
	},
	{
		"type": "event",
		"name": "AttestationRequest",
		"anonymous": false,
		"inputs": [
			{"name": "timestamp", "type": "uint256", "indexed": false},
			{"name": "data", "type": "bytes", "indexed": false}
		]
	}
]`

const (
	submitMethod = "submitAttestation"
	requestEvent = "AttestationRequest"
)

// parsedABI is the decoded contract ABI.
var parsedABI = mustParseABI(contractABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse contract abi: %v", err))
	}
	return parsed
}

// RequestTopic is topic0 of the AttestationRequest event.
func RequestTopic() common.Hash {
	return parsedABI.Events[requestEvent].ID
}

// PackSubmission encodes the calldata of submitAttestation for sub.
func PackSubmission(sub Submission) ([]byte, error) {
	data, err := parsedABI.Pack(submitMethod,
		new(big.Int).SetUint64(sub.BufferNumber),
		[32]byte(sub.MaskedRoot),
		[32]byte(sub.HashedRandom),
		[32]byte(sub.PrevRandom),
	)
	if err != nil {
		return nil, fmt.Errorf("pack %s:\n%w", submitMethod, err)
	}

	return data, nil
}

// UnpackSubmission decodes submitAttestation calldata. Only the fields
// carried on chain are filled.
func UnpackSubmission(data []byte) (Submission, error) {
	if len(data) < 4 {
		return Submission{}, fmt.Errorf("calldata too short: %d", len(data))
	}

	method, err := parsedABI.MethodById(data[:4])
	if err != nil {
		return Submission{}, fmt.Errorf("lookup method:\n%w", err)
	}

	if method.Name != submitMethod {
		return Submission{}, fmt.Errorf("unexpected method %s", method.Name)
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return Submission{}, fmt.Errorf("unpack %s:\n%w", submitMethod, err)
	}

	buffer, ok1 := args[0].(*big.Int)
	masked, ok2 := args[1].([32]byte)
	committed, ok3 := args[2].([32]byte)
	revealed, ok4 := args[3].([32]byte)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Submission{}, fmt.Errorf("unexpected %s argument types", submitMethod)
	}

	return Submission{
		BufferNumber: buffer.Uint64(),
		MaskedRoot:   masked,
		HashedRandom: committed,
		PrevRandom:   revealed,
	}, nil
}

// UnpackRequest decodes the timestamp and data of an AttestationRequest log.
func UnpackRequest(data []byte) (uint64, []byte, error) {
	args, err := parsedABI.Unpack(requestEvent, data)
	if err != nil {
		return 0, nil, fmt.Errorf("unpack %s:\n%w", requestEvent, err)
	}

	ts, ok1 := args[0].(*big.Int)
	payload, ok2 := args[1].([]byte)
	if !ok1 || !ok2 {
		return 0, nil, fmt.Errorf("unexpected %s argument types", requestEvent)
	}

	return ts.Uint64(), payload, nil
}

// PackRequest encodes the data of an AttestationRequest log.
func PackRequest(timestamp uint64, payload []byte) ([]byte, error) {
	data, err := parsedABI.Events[requestEvent].Inputs.NonIndexed().Pack(new(big.Int).SetUint64(timestamp), payload)
	if err != nil {
		return nil, fmt.Errorf("pack %s:\n%w", requestEvent, err)
	}

	return data, nil
}
