package main

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"Attester/internal/dac"
	"Attester/internal/merkle"
)

var testTime = time.Unix(1_700_000_000, 0)

func hexKey(key *ecdsa.PrivateKey) string {
	return hex.EncodeToString(crypto.FromECDSA(key))
}

func TestPrintMerkleRootAndProof(t *testing.T) {
	leaves := []common.Hash{
		common.HexToHash("0x01"),
		common.HexToHash("0x02"),
		common.HexToHash("0x03"),
	}

	args := make([]string, len(leaves))
	for i, l := range leaves {
		args[i] = l.Hex()
	}

	var out bytes.Buffer
	if err := printMerkle(&out, args, leaves[1].Hex()); err != nil {
		t.Fatalf("printMerkle: %v", err)
	}

	root, _ := merkle.New(leaves).Root()

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if !strings.Contains(lines[0], root.Hex()) {
		t.Fatalf("first line %q does not hold root %s", lines[0], root.Hex())
	}

	var proof []common.Hash
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		proof = append(proof, common.HexToHash(fields[len(fields)-1]))
	}

	if !merkle.VerifyProof(leaves[1], proof, root) {
		t.Error("printed proof does not verify")
	}
}

func TestPrintMerkleErrors(t *testing.T) {
	var out bytes.Buffer

	if err := printMerkle(&out, []string{"0x1234"}, ""); err == nil {
		t.Error("expected error for short hash")
	}

	if err := printMerkle(&out, []string{common.HexToHash("0x01").Hex()}, common.HexToHash("0x09").Hex()); err == nil {
		t.Error("expected error for proof of unknown leaf")
	}
}

func TestPrintGeneration(t *testing.T) {
	gen, err := dac.Parse([]byte(`{"startEpoch":12,"sources":[
		{"source":"LTC","maxCallsPerRound":5,"attestationTypes":[{"type":"Payment","avgCalls":2.5}]},
		{"source":"BTC","maxCallsPerRound":9,"requiredBlocks":6,"attestationTypes":[]}
	]}`), ".json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var out bytes.Buffer
	printGeneration(&out, gen)

	got := out.String()

	if !strings.Contains(got, "start round 12, 2 sources") {
		t.Errorf("missing header in %q", got)
	}

	if strings.Index(got, "BTC") > strings.Index(got, "LTC") {
		t.Errorf("sources not sorted: %q", got)
	}

	if !strings.Contains(got, "Payment avg=2.5") {
		t.Errorf("missing type line in %q", got)
	}
}

func TestParseKeys(t *testing.T) {
	valid := strings.Repeat("ab", 48)

	keys, err := parseKeys([]string{valid, "0x" + valid})
	if err != nil {
		t.Fatalf("parseKeys: %v", err)
	}

	if len(keys) != 2 || len(keys[1]) != 48 {
		t.Errorf("keys = %d", len(keys))
	}

	if _, err := parseKeys([]string{"abcd"}); err == nil {
		t.Error("expected error for short key")
	}
}

func TestApplyFlagsOnlyChanged(t *testing.T) {
	opts := &options{}
	cmd := newRunCommand(opts)

	if err := cmd.ParseFlags([]string{"--data", "/tmp/x", "--simulate"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	cfg := defaultConfig()
	cfg.HTTPAddress = ":9999"

	applyFlags(cmd, opts, cfg)

	if cfg.DataPath != "/tmp/x" || !cfg.Simulate.Enabled {
		t.Errorf("flags not applied: %+v", cfg)
	}

	if cfg.HTTPAddress != ":9999" {
		t.Errorf("unset flag overrode http: %s", cfg.HTTPAddress)
	}
}

func TestSimulatorGeneratesValidRequests(t *testing.T) {
	s := newSimulator(nil, 0)

	a, err := s.next(testTime)
	if err != nil {
		t.Fatalf("next: %v", err)
	}

	b, err := s.next(testTime)
	if err != nil {
		t.Fatalf("next: %v", err)
	}

	if !a.Source.Valid() || !a.Type.Valid() {
		t.Errorf("invalid header %v/%v", a.Type, a.Source)
	}

	if a.Hash() == b.Hash() {
		t.Error("generated requests collide")
	}

	if b.BlockNumber != a.BlockNumber+1 {
		t.Errorf("blocks %d then %d", a.BlockNumber, b.BlockNumber)
	}
}

func TestRelayIdentityDeterministic(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	if !relayIdentity(key).Equal(relayIdentity(key)) {
		t.Error("relay identity is not deterministic")
	}
}
