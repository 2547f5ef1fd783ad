package relay

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"Attester/internal/chain"
)

// recordingSubmitter stores forwarded submissions.
type recordingSubmitter struct {
	mu   sync.Mutex
	subs []chain.Submission
	fail error
}

func (r *recordingSubmitter) SubmitAttestation(_ context.Context, sub chain.Submission) (*chain.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fail != nil {
		return nil, r.fail
	}

	r.subs = append(r.subs, sub)

	return &chain.Receipt{TxHash: common.BytesToHash([]byte{byte(len(r.subs))}), BlockNumber: 500}, nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func newTestKey(t *testing.T) *KeyPair {
	t.Helper()

	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	return key
}

func testSubmission() chain.Submission {
	return chain.Submission{
		Action:       chain.ActionReveal,
		RoundID:      40,
		BufferNumber: 42,
		MaskedRoot:   common.HexToHash("0x11"),
		HashedRandom: common.HexToHash("0x22"),
		PrevRandom:   common.HexToHash("0x33"),
	}
}

// startServer runs a relay on a loopback port.
func startServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()

	cfg.ListenAddr = "127.0.0.1:0"

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	return srv
}

func newTestClient(t *testing.T, cfg ClientConfig) *Client {
	t.Helper()

	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func TestSignVerify(t *testing.T) {
	key := newTestKey(t)
	msg := []byte("message")

	sig := key.Sign(msg)

	if !Verify(sig, msg, key.PublicKey()) {
		t.Fatal("valid signature rejected")
	}

	if Verify(sig, []byte("other"), key.PublicKey()) {
		t.Error("signature accepted for another message")
	}

	if Verify(sig, msg, newTestKey(t).PublicKey()) {
		t.Error("signature accepted for another key")
	}

	if Verify(sig[:10], msg, key.PublicKey()) {
		t.Error("truncated signature accepted")
	}
}

func TestDeriveFromECDSADeterministic(t *testing.T) {
	ecKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	a, err := DeriveFromECDSA(ecKey)
	if err != nil {
		t.Fatalf("DeriveFromECDSA: %v", err)
	}

	b, err := DeriveFromECDSA(ecKey)
	if err != nil {
		t.Fatalf("DeriveFromECDSA: %v", err)
	}

	if string(a.PublicKey()) != string(b.PublicKey()) {
		t.Error("derivation is not deterministic")
	}
}

func TestKeyFromSeedRejectsShortSeed(t *testing.T) {
	if _, err := KeyFromSeed(make([]byte, 16)); err == nil {
		t.Error("expected error for short seed")
	}
}

func TestRequestRoundTrip(t *testing.T) {
	key := newTestKey(t)
	sub := testSubmission()

	req, err := decodeRequest(encodeRequest(sub, key))
	if err != nil {
		t.Fatalf("decodeRequest: %v", err)
	}

	if !req.verify() {
		t.Fatal("signature does not verify")
	}

	got, err := decodeSubmission(req.submission)
	if err != nil {
		t.Fatalf("decodeSubmission: %v", err)
	}

	if got != sub {
		t.Errorf("submission = %+v, want %+v", got, sub)
	}
}

func TestTamperedSubmissionFailsVerification(t *testing.T) {
	key := newTestKey(t)

	req, err := decodeRequest(encodeRequest(testSubmission(), key))
	if err != nil {
		t.Fatalf("decodeRequest: %v", err)
	}

	tampered := append([]byte(nil), req.submission...)
	tampered[len(tampered)-1] ^= 0xff
	req.submission = tampered

	if req.verify() {
		t.Error("tampered submission verified")
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := decodeRequest([]byte{0xff, 0xff}); !errors.Is(err, ErrMalformed) {
		t.Errorf("short buffer: err = %v, want ErrMalformed", err)
	}

	if _, err := decodeResponse([]byte{1, 2, 3}); !errors.Is(err, ErrMalformed) {
		t.Errorf("short response: err = %v, want ErrMalformed", err)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	rc := &chain.Receipt{TxHash: common.HexToHash("0xabc"), BlockNumber: 9}

	got, err := decodeResponse(encodeResponse(rc, nil))
	if err != nil {
		t.Fatalf("decodeResponse: %v", err)
	}

	if *got != *rc {
		t.Errorf("receipt = %+v, want %+v", got, rc)
	}

	_, err = decodeResponse(encodeResponse(nil, errors.New("out of gas")))

	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != "out of gas" {
		t.Errorf("err = %v, want remote error", err)
	}
}

func TestClientServerLoopback(t *testing.T) {
	inner := &recordingSubmitter{}
	key := newTestKey(t)

	srv := startServer(t, ServerConfig{
		Submitter: inner,
		Allowed:   [][]byte{key.PublicKey()},
	})

	client := newTestClient(t, ClientConfig{Addr: srv.Addr(), Key: key, ServerKey: srv.PublicKey()})

	rc, err := client.SubmitAttestation(testContext(t), testSubmission())
	if err != nil {
		t.Fatalf("SubmitAttestation: %v", err)
	}

	if rc.BlockNumber != 500 {
		t.Errorf("block = %d, want 500", rc.BlockNumber)
	}

	if inner.count() != 1 || inner.subs[0] != testSubmission() {
		t.Fatalf("forwarded = %+v", inner.subs)
	}

	// identical request is answered from the replay cache
	again, err := client.SubmitAttestation(testContext(t), testSubmission())
	if err != nil {
		t.Fatalf("SubmitAttestation replay: %v", err)
	}

	if inner.count() != 1 {
		t.Errorf("replay forwarded again: %d submissions", inner.count())
	}

	if again.TxHash != rc.TxHash {
		t.Error("replay returned a different receipt")
	}
}

func TestServerRejectsUnknownSigner(t *testing.T) {
	inner := &recordingSubmitter{}

	srv := startServer(t, ServerConfig{
		Submitter: inner,
		Allowed:   [][]byte{newTestKey(t).PublicKey()},
	})

	client := newTestClient(t, ClientConfig{Addr: srv.Addr(), Key: newTestKey(t)})

	_, err := client.SubmitAttestation(testContext(t), testSubmission())

	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want remote error", err)
	}

	if inner.count() != 0 {
		t.Error("unknown signer reached the chain")
	}
}

func TestServerForwardsFailure(t *testing.T) {
	srv := startServer(t, ServerConfig{Submitter: &recordingSubmitter{fail: chain.ErrReverted}})
	client := newTestClient(t, ClientConfig{Addr: srv.Addr(), Key: newTestKey(t)})

	_, err := client.SubmitAttestation(testContext(t), testSubmission())

	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want remote error", err)
	}
}

func TestClientRejectsWrongIdentity(t *testing.T) {
	srv := startServer(t, ServerConfig{Submitter: &recordingSubmitter{}})

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	client := newTestClient(t, ClientConfig{Addr: srv.Addr(), Key: newTestKey(t), ServerKey: pub})

	if _, err := client.SubmitAttestation(testContext(t), testSubmission()); err == nil {
		t.Error("expected identity mismatch")
	}
}

func TestReplayCacheExpires(t *testing.T) {
	c := newReplayCache(time.Millisecond)
	defer c.close()

	c.put([]byte("req"), &chain.Receipt{BlockNumber: 1})

	time.Sleep(5 * time.Millisecond)

	if _, ok := c.get([]byte("req")); ok {
		t.Error("expired entry returned")
	}

	c.cleanup()

	if len(c.seen) != 0 {
		t.Errorf("cleanup left %d entries", len(c.seen))
	}
}

func TestReadBodyLimit(t *testing.T) {
	data, err := readBody(bytes.NewReader(make([]byte, maxBodySize)))
	if err != nil || len(data) != maxBodySize {
		t.Fatalf("readBody at limit: %d bytes, %v", len(data), err)
	}

	if _, err := readBody(bytes.NewReader(make([]byte, maxBodySize+1))); !errors.Is(err, ErrMalformed) {
		t.Errorf("oversized body: err = %v, want ErrMalformed", err)
	}
}

func TestPinIdentity(t *testing.T) {
	identity := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))

	cert, err := relayCertificate(identity)
	if err != nil {
		t.Fatalf("relayCertificate: %v", err)
	}

	if err := pinIdentity(identity.Public().(ed25519.PublicKey))(cert.Certificate, nil); err != nil {
		t.Errorf("own certificate rejected: %v", err)
	}

	other, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	if err := pinIdentity(other)(cert.Certificate, nil); err == nil {
		t.Error("foreign certificate accepted")
	}

	if pinIdentity(nil) != nil {
		t.Error("no pin expected without a server key")
	}
}
