package relay

import (
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/zeebo/blake3"

	"Attester/internal/chain"
	"Attester/internal/types"
)

// maxBodySize bounds one request or response.
const maxBodySize = 1 << 20

// ErrMalformed is returned for buffers that do not decode.
var ErrMalformed = errors.New("malformed relay message")

// readBody reads one message up to the end of the stream.
func readBody(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil {
		return nil, err
	}

	if len(data) > maxBodySize {
		return nil, fmt.Errorf("%w: message exceeds %d bytes", ErrMalformed, maxBodySize)
	}

	return data, nil
}

// signingDomain prefixes the digest signed by attesters.
var signingDomain = []byte("attester-relay-submission")

// encodeSubmission serializes the on-chain fields of sub.
func encodeSubmission(sub chain.Submission) []byte {
	builder := flatbuffers.NewBuilder(256)

	action := builder.CreateString(string(sub.Action))
	masked := builder.CreateByteVector(sub.MaskedRoot[:])
	hashed := builder.CreateByteVector(sub.HashedRandom[:])
	prev := builder.CreateByteVector(sub.PrevRandom[:])

	types.SubmissionStart(builder)
	types.SubmissionAddAction(builder, action)
	types.SubmissionAddRoundId(builder, sub.RoundID)
	types.SubmissionAddBufferNumber(builder, sub.BufferNumber)
	types.SubmissionAddMaskedRoot(builder, masked)
	types.SubmissionAddHashedRandom(builder, hashed)
	types.SubmissionAddPrevRandom(builder, prev)
	builder.Finish(types.SubmissionEnd(builder))

	return builder.FinishedBytes()
}

// decodeSubmission parses a submission buffer.
func decodeSubmission(data []byte) (sub chain.Submission, err error) {
	defer recoverMalformed(&err)

	fb := types.GetRootAsSubmission(data, 0)

	masked, err := hash32(fb.MaskedRootBytes())
	if err != nil {
		return sub, fmt.Errorf("masked root: %w", err)
	}

	hashed, err := hash32(fb.HashedRandomBytes())
	if err != nil {
		return sub, fmt.Errorf("hashed random: %w", err)
	}

	prev, err := hash32(fb.PrevRandomBytes())
	if err != nil {
		return sub, fmt.Errorf("prev random: %w", err)
	}

	return chain.Submission{
		Action:       chain.Action(fb.Action()),
		RoundID:      fb.RoundId(),
		BufferNumber: fb.BufferNumber(),
		MaskedRoot:   masked,
		HashedRandom: hashed,
		PrevRandom:   prev,
	}, nil
}

// signingDigest is the message attesters sign for a submission buffer.
func signingDigest(submission []byte) []byte {
	h := blake3.New()
	h.Write(signingDomain)
	h.Write(submission)

	return h.Sum(nil)
}

// signedRequest is a decoded SubmitRequest.
type signedRequest struct {
	submission []byte
	publicKey  []byte
	signature  []byte
}

// encodeRequest signs sub with key and builds the request buffer.
func encodeRequest(sub chain.Submission, key *KeyPair) []byte {
	submission := encodeSubmission(sub)
	signature := key.Sign(signingDigest(submission))

	builder := flatbuffers.NewBuilder(len(submission) + 256)

	subVec := builder.CreateByteVector(submission)
	pkVec := builder.CreateByteVector(key.PublicKey())
	sigVec := builder.CreateByteVector(signature)

	types.SubmitRequestStart(builder)
	types.SubmitRequestAddSubmission(builder, subVec)
	types.SubmitRequestAddPublicKey(builder, pkVec)
	types.SubmitRequestAddSignature(builder, sigVec)
	builder.Finish(types.SubmitRequestEnd(builder))

	return builder.FinishedBytes()
}

// decodeRequest parses a request buffer without verifying it.
func decodeRequest(data []byte) (req signedRequest, err error) {
	defer recoverMalformed(&err)

	fb := types.GetRootAsSubmitRequest(data, 0)

	req = signedRequest{
		submission: fb.SubmissionBytes(),
		publicKey:  fb.PublicKeyBytes(),
		signature:  fb.SignatureBytes(),
	}

	if len(req.submission) == 0 {
		return req, fmt.Errorf("%w: empty submission", ErrMalformed)
	}

	return req, nil
}

// verify checks the request signature.
func (r signedRequest) verify() bool {
	return Verify(r.signature, signingDigest(r.submission), r.publicKey)
}

// encodeResponse builds the response buffer for a receipt or an error.
func encodeResponse(rc *chain.Receipt, failure error) []byte {
	builder := flatbuffers.NewBuilder(128)

	var txVec, errStr flatbuffers.UOffsetT
	if rc != nil {
		txVec = builder.CreateByteVector(rc.TxHash[:])
	}
	if failure != nil {
		errStr = builder.CreateString(failure.Error())
	}

	types.SubmitResponseStart(builder)
	types.SubmitResponseAddOk(builder, failure == nil && rc != nil)
	if rc != nil {
		types.SubmitResponseAddTxHash(builder, txVec)
		types.SubmitResponseAddBlockNumber(builder, rc.BlockNumber)
	}
	if failure != nil {
		types.SubmitResponseAddError(builder, errStr)
	}
	builder.Finish(types.SubmitResponseEnd(builder))

	return builder.FinishedBytes()
}

// decodeResponse parses a response buffer into a receipt or the remote error.
func decodeResponse(data []byte) (rc *chain.Receipt, err error) {
	defer recoverMalformed(&err)

	fb := types.GetRootAsSubmitResponse(data, 0)

	if !fb.Ok() {
		msg := string(fb.Error())
		if msg == "" {
			msg = "relay refused submission"
		}
		return nil, &RemoteError{Message: msg}
	}

	txHash, err := hash32(fb.TxHashBytes())
	if err != nil {
		return nil, fmt.Errorf("tx hash: %w", err)
	}

	return &chain.Receipt{TxHash: txHash, BlockNumber: fb.BlockNumber()}, nil
}

// RemoteError is a failure reported by the relay.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "relay: " + e.Message
}

// hash32 converts a 32 byte vector to a hash.
func hash32(b []byte) (common.Hash, error) {
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: %d bytes, want %d", ErrMalformed, len(b), common.HashLength)
	}

	return common.BytesToHash(b), nil
}

// recoverMalformed turns an out of range read on a corrupt buffer into an error.
func recoverMalformed(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %v", ErrMalformed, r)
	}
}
