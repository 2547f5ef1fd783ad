package main

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"
)

// privateKeyEnv overrides the key file when set (hex secp256k1 key).
const privateKeyEnv = "ATTESTER_PRIVATE_KEY"

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string `yaml:"dataPath"`

	// DACDir is the directory holding DAC generation files.
	DACDir string `yaml:"dacDir"`

	// HTTPAddress is the monitoring API listen address, empty disables it.
	HTTPAddress string `yaml:"http"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"logLevel"`

	// KeyPath is the path to the secp256k1 key file.
	KeyPath string `yaml:"keyPath"`

	// PrivateKey is the chain signing key, loaded at startup.
	PrivateKey *ecdsa.PrivateKey `yaml:"-"`

	Rounds   RoundsConfig   `yaml:"rounds"`
	Chain    ChainConfig    `yaml:"chain"`
	Relay    RelayConfig    `yaml:"relay"`
	Verify   VerifyConfig   `yaml:"verify"`
	Simulate SimulateConfig `yaml:"simulate"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// RoundsConfig sets the round schedule.
type RoundsConfig struct {
	FirstRoundStart int64         `yaml:"firstRoundStart"` // unix seconds
	RoundDuration   time.Duration `yaml:"roundDuration"`
	CommitTime      time.Duration `yaml:"commitTime"`
	SubmitFinalize  bool          `yaml:"submitFinalize"`
	Retention       uint64        `yaml:"retention"` // rounds of records kept in the store
}

// ChainConfig points at the base chain.
type ChainConfig struct {
	RPC           string        `yaml:"rpc"`
	Contract      string        `yaml:"contract"`
	StartBlock    uint64        `yaml:"startBlock"`
	Confirmations uint64        `yaml:"confirmations"`
	PollInterval  time.Duration `yaml:"pollInterval"`
	SubmitTimeout time.Duration `yaml:"submitTimeout"`
}

// RelayConfig configures both ends of the submission relay.
type RelayConfig struct {
	Addr      string   `yaml:"addr"`      // Addr routes submissions through a relay when set
	ServerKey string   `yaml:"serverKey"` // ServerKey pins the relay ed25519 identity (hex)
	Listen    string   `yaml:"listen"`    // Listen is the relay command listen address
	Allowed   []string `yaml:"allowed"`   // Allowed lists accepted BLS public keys (hex)
}

// VerifyConfig selects verification backends.
type VerifyConfig struct {
	Modules     map[string]string `yaml:"modules"` // Modules maps a source name to a WASM verifier file
	GasLimit    uint64            `yaml:"gasLimit"`
	Timeout     time.Duration     `yaml:"timeout"`
	Concurrency int               `yaml:"concurrency"`
}

// SimulateConfig drives the simulation mode.
type SimulateConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`   // Interval between generated requests
	ValidRatio float64       `yaml:"validRatio"` // ValidRatio is the share of requests the simulated verifier accepts
	Delay      time.Duration `yaml:"delay"`      // Delay is the simulated verification latency
}

// MetricsConfig configures OTLP export.
type MetricsConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Insecure bool          `yaml:"insecure"`
	Interval time.Duration `yaml:"interval"`
}

// defaultConfig returns the configuration used when no file is given.
func defaultConfig() *Config {
	return &Config{
		DataPath:    "./data",
		DACDir:      "./dac",
		HTTPAddress: ":8080",
		LogLevel:    "info",
		Rounds: RoundsConfig{
			RoundDuration: 90 * time.Second,
			CommitTime:    10 * time.Second,
			Retention:     1000,
		},
		Chain: ChainConfig{
			Confirmations: 1,
			PollInterval:  2 * time.Second,
			SubmitTimeout: 60 * time.Second,
		},
		Relay: RelayConfig{
			Listen: ":9100",
		},
		Verify: VerifyConfig{
			GasLimit:    10_000_000,
			Timeout:     30 * time.Second,
			Concurrency: 32,
		},
		Simulate: SimulateConfig{
			Interval:   time.Second,
			ValidRatio: 0.8,
		},
	}
}

// loadConfig reads path over the defaults. An empty path keeps the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config:\n%w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s:\n%w", path, err)
	}

	return cfg, nil
}

// validate checks the fields every command relies on.
func (c *Config) validate() error {
	if c.DataPath == "" {
		return errors.New("dataPath is required")
	}

	if c.DACDir == "" {
		return errors.New("dacDir is required")
	}

	if c.Chain.RPC != "" && c.Chain.Contract == "" {
		return errors.New("chain.contract is required with chain.rpc")
	}

	if c.Simulate.ValidRatio < 0 || c.Simulate.ValidRatio > 1 {
		return errors.New("simulate.validRatio must be within [0, 1]")
	}

	return nil
}

// loadPrivateKey returns the chain key from the environment, the key
// file, or a new key saved to the key file.
func loadPrivateKey(keyPath string) (*ecdsa.PrivateKey, error) {
	if hexKey := strings.TrimSpace(os.Getenv(privateKeyEnv)); hexKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse %s:\n%w", privateKeyEnv, err)
		}
		return key, nil
	}

	if keyPath == "" {
		return generateNewKey()
	}

	key, err := crypto.LoadECDSA(keyPath)
	if errors.Is(err, os.ErrNotExist) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	return key, nil
}

// generateNewKey creates a new secp256k1 key.
func generateNewKey() (*ecdsa.PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return key, nil
}

// generateAndSaveKey creates a new key and saves it to path.
func generateAndSaveKey(path string) (*ecdsa.PrivateKey, error) {
	key, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := crypto.SaveECDSA(path, key); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return key, nil
}
