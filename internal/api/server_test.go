package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Attester/internal/attestation"
	"Attester/internal/round"
	"Attester/internal/store"
)

// mockAttester captures injected requests.
type mockAttester struct {
	reqs    []*attestation.Request
	stopped bool
}

func (m *mockAttester) Attest(req *attestation.Request) bool {
	if m.stopped {
		return false
	}
	m.reqs = append(m.reqs, req)
	return true
}

// mockRounds returns a fixed engine state.
type mockRounds struct {
	active uint64
	infos  []round.Info
}

func (m *mockRounds) ActiveRound() uint64 { return m.active }

func (m *mockRounds) Settings() round.Settings {
	return round.DefaultSettings(time.Unix(0, 0))
}

func (m *mockRounds) Rounds(context.Context) ([]round.Info, error) { return m.infos, nil }

// mockHistory serves one stored round.
type mockHistory struct {
	state *store.RoundState
	votes []*store.VoteResult
}

func (m *mockHistory) GetRound(id uint64) (*store.RoundState, error) {
	if m.state == nil || m.state.RoundID != id {
		return nil, nil
	}
	return m.state, nil
}

func (m *mockHistory) VoteResults(uint64) ([]*store.VoteResult, error) { return m.votes, nil }

// mockConfig lists generation starts.
type mockConfig struct{}

func (mockConfig) Generations() []uint64 { return []uint64{200, 100} }

// serve runs one request through the server routes.
func serve(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response %q: %v", w.Body.String(), err)
	}

	return v
}

func TestHealthEndpoint(t *testing.T) {
	w := serve(t, New(":0", nil, nil, nil, nil), "GET", "/health", nil)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	if resp := decode[map[string]string](t, w); resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestAttest_Success(t *testing.T) {
	attester := &mockAttester{}
	server := New(":0", attester, nil, nil, nil)

	payload := attestation.EncodeHeader(attestation.TypePayment, attestation.SourceBTC, []byte("tx-1"))

	w := serve(t, server, "POST", "/attest", payload)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}

	if len(attester.reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(attester.reqs))
	}

	resp := decode[map[string]string](t, w)
	if resp["hash"] != attester.reqs[0].Hash().Hex() {
		t.Errorf("hash = %s, want %s", resp["hash"], attester.reqs[0].Hash().Hex())
	}
}

func TestAttest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"empty", nil},
		{"short header", []byte{0, 1, 0}},
		{"header only", attestation.EncodeHeader(attestation.TypePayment, attestation.SourceBTC, nil)},
		{"unknown source", attestation.EncodeHeader(attestation.TypePayment, attestation.Source(99), []byte("x"))},
		{"unknown type", attestation.EncodeHeader(attestation.Type(999), attestation.SourceBTC, []byte("x"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attester := &mockAttester{}

			w := serve(t, New(":0", attester, nil, nil, nil), "POST", "/attest", tt.body)

			if w.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d", w.Code)
			}

			if len(attester.reqs) != 0 {
				t.Error("invalid request reached the engine")
			}
		})
	}
}

func TestAttest_BodyTooLarge(t *testing.T) {
	body := make([]byte, maxRequestSize+1)
	copy(body, attestation.EncodeHeader(attestation.TypePayment, attestation.SourceBTC, nil))

	w := serve(t, New(":0", &mockAttester{}, nil, nil, nil), "POST", "/attest", body)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", w.Code)
	}
}

func TestAttest_Stopped(t *testing.T) {
	payload := attestation.EncodeHeader(attestation.TypePayment, attestation.SourceBTC, []byte("tx"))

	w := serve(t, New(":0", &mockAttester{stopped: true}, nil, nil, nil), "POST", "/attest", payload)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestStatus_Success(t *testing.T) {
	server := New(":0", nil, &mockRounds{active: 17}, nil, mockConfig{})

	w := serve(t, server, "GET", "/status", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	resp := decode[map[string]any](t, w)

	if resp["activeRound"] != float64(17) {
		t.Errorf("activeRound = %v, want 17", resp["activeRound"])
	}

	if resp["roundDuration"] != "1m30s" {
		t.Errorf("roundDuration = %v, want 1m30s", resp["roundDuration"])
	}

	if gens, ok := resp["dacGenerations"].([]any); !ok || len(gens) != 2 {
		t.Errorf("dacGenerations = %v", resp["dacGenerations"])
	}
}

func TestStatus_NilProvider(t *testing.T) {
	w := serve(t, New(":0", nil, nil, nil, nil), "GET", "/status", nil)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestRounds_Success(t *testing.T) {
	root := common.HexToHash("0x01")
	rounds := &mockRounds{infos: []round.Info{
		{ID: 4, Phase: round.PhaseReveal, AttestStatus: round.StatusCommitted, Admitted: 3, Processed: 3, Valid: 2, Root: &root},
		{ID: 5, Phase: round.PhaseCollect, AttestStatus: round.StatusCollecting},
	}}

	w := serve(t, New(":0", nil, rounds, nil, nil), "GET", "/rounds", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	resp := decode[[]map[string]any](t, w)

	if len(resp) != 2 {
		t.Fatalf("expected 2 rounds, got %d", len(resp))
	}

	if resp[0]["phase"] != round.PhaseReveal.String() {
		t.Errorf("phase = %v, want %s", resp[0]["phase"], round.PhaseReveal)
	}

	if resp[0]["root"] != root.Hex() {
		t.Errorf("root = %v, want %s", resp[0]["root"], root.Hex())
	}

	if _, ok := resp[1]["root"]; ok {
		t.Error("collecting round should omit the root")
	}
}

func TestRound_FromStore(t *testing.T) {
	history := &mockHistory{
		state: &store.RoundState{RoundID: 8, MaskedRoot: common.HexToHash("0xaa"), ValidCount: 1},
		votes: []*store.VoteResult{{RoundID: 8, Hash: common.HexToHash("0xbb"), Request: []byte{1}, Response: []byte{2}}},
	}
	server := New(":0", nil, nil, history, nil)

	w := serve(t, server, "GET", "/rounds/8", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	resp := decode[storedRound](t, w)

	if resp.ID != 8 || resp.ValidCount != 1 || len(resp.Results) != 1 {
		t.Errorf("response = %+v", resp)
	}

	if resp.Results[0].Request != "01" {
		t.Errorf("request = %s, want 01", resp.Results[0].Request)
	}
}

func TestRound_NotFound(t *testing.T) {
	server := New(":0", nil, nil, &mockHistory{}, nil)

	if w := serve(t, server, "GET", "/rounds/9", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}

	if w := serve(t, server, "GET", "/rounds/abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}
