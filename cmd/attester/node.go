package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/zeebo/blake3"

	"Attester/internal/api"
	"Attester/internal/attestation"
	"Attester/internal/chain"
	"Attester/internal/dac"
	"Attester/internal/logger"
	"Attester/internal/metrics"
	"Attester/internal/relay"
	"Attester/internal/round"
	"Attester/internal/storage"
	"Attester/internal/store"
	"Attester/internal/verify"
)

const (
	// loopQueueSize bounds closures waiting on the round loop.
	loopQueueSize = 4096

	// shutdownTimeout bounds flushing metrics and closing runtimes.
	shutdownTimeout = 5 * time.Second
)

// Node wires the round engine to its collaborators.
type Node struct {
	cfg *Config

	storage *storage.Storage
	store   *store.Store
	dac     *dac.Manager
	runtime *verify.Runtime

	loop       *round.Loop
	dispatcher *verify.Dispatcher
	submitter  *round.AsyncSubmitter
	relay      *relay.Client
	eth        *ethclient.Client
	manager    *round.Manager
	collector  *chain.Collector
	simulator  *simulator
	metrics    *metrics.Provider
	recorder   *metrics.Recorder
	api        *api.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates and initializes every component.
func NewNode(cfg *Config) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:    cfg,
		loop:   round.NewLoop(loopQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"storage", n.initStorage},
		{"dac", n.initDAC},
		{"verifiers", n.initVerifiers},
		{"submitter", n.initSubmitter},
		{"metrics", n.initMetrics},
		{"rounds", n.initRounds},
		{"collector", n.initCollector},
		{"api", n.initAPI},
	}

	for _, step := range steps {
		if err := step.fn(); err != nil {
			n.Close()
			return nil, fmt.Errorf("init %s:\n%w", step.name, err)
		}
	}

	return n, nil
}

// initStorage opens the database and the record store on top of it.
func (n *Node) initStorage() error {
	db, err := storage.New(filepath.Join(n.cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("open storage:\n%w", err)
	}
	n.storage = db

	st, err := store.New(db)
	if err != nil {
		return fmt.Errorf("create store:\n%w", err)
	}
	n.store = st

	return nil
}

// initDAC loads the generation files and starts watching the directory.
func (n *Node) initDAC() error {
	if err := os.MkdirAll(n.cfg.DACDir, 0o755); err != nil {
		return fmt.Errorf("create dac dir:\n%w", err)
	}

	n.dac = dac.NewManager(n.cfg.DACDir)

	if err := n.dac.LoadAll(); err != nil {
		return fmt.Errorf("load dac:\n%w", err)
	}

	if err := n.dac.Watch(n.ctx); err != nil {
		return fmt.Errorf("watch dac:\n%w", err)
	}

	logger.Info("dac loaded", "dir", n.cfg.DACDir, "generations", len(n.dac.Generations()))

	return nil
}

// initVerifiers builds the backend registry and the dispatcher.
// Sources without a WASM module fall back to the simulated backend in
// simulation mode and resolve as error otherwise.
func (n *Node) initVerifiers() error {
	registry := verify.NewRegistry()

	if len(n.cfg.Verify.Modules) > 0 {
		rt, err := verify.NewRuntime(n.ctx)
		if err != nil {
			return fmt.Errorf("create wasm runtime:\n%w", err)
		}
		n.runtime = rt
	}

	for name, path := range n.cfg.Verify.Modules {
		source, err := attestation.ParseSource(name)
		if err != nil {
			return fmt.Errorf("verifier %s:\n%w", name, err)
		}

		wasm, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read verifier %s:\n%w", path, err)
		}

		backend, err := verify.NewWasmBackend(n.ctx, n.runtime, wasm, n.cfg.Verify.GasLimit)
		if err != nil {
			return fmt.Errorf("load verifier %s:\n%w", path, err)
		}

		registry.Register(source, backend)
		logger.Info("verifier loaded", "source", source, "module", path)
	}

	if n.cfg.Simulate.Enabled {
		registry.SetFallback(verify.NewSimulated(n.cfg.Simulate.ValidRatio, n.cfg.Simulate.Delay))
	}

	n.dispatcher = verify.NewDispatcher(registry, n.loop,
		verify.WithConcurrency(n.cfg.Verify.Concurrency),
		verify.WithTimeout(n.cfg.Verify.Timeout),
	)

	return nil
}

// initSubmitter picks the chain submitter: a relay when configured, the
// base chain RPC otherwise, and a logging dry run without either.
func (n *Node) initSubmitter() error {
	var inner chain.Submitter

	switch {
	case n.cfg.Relay.Addr != "":
		client, err := n.relayClient()
		if err != nil {
			return err
		}
		n.relay = client
		inner = client

	case n.cfg.Chain.RPC != "":
		sub, err := n.evmSubmitter()
		if err != nil {
			return err
		}
		inner = sub

	default:
		logger.Warn("no chain configured, submissions are only logged")
		inner = logSubmitter{}
	}

	n.submitter = round.NewAsyncSubmitter(inner, n.loop, n.cfg.Chain.SubmitTimeout)

	return nil
}

// relayClient creates the relay client signing with the derived BLS key.
func (n *Node) relayClient() (*relay.Client, error) {
	key, err := relay.DeriveFromECDSA(n.cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("derive relay key:\n%w", err)
	}

	var serverKey ed25519.PublicKey
	if n.cfg.Relay.ServerKey != "" {
		serverKey, err = hex.DecodeString(n.cfg.Relay.ServerKey)
		if err != nil || len(serverKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid relay server key %q", n.cfg.Relay.ServerKey)
		}
	}

	client, err := relay.NewClient(relay.ClientConfig{
		Addr:      n.cfg.Relay.Addr,
		Key:       key,
		ServerKey: serverKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create relay client:\n%w", err)
	}

	logger.Info("submitting through relay",
		"addr", n.cfg.Relay.Addr,
		"blsKey", hex.EncodeToString(key.PublicKey()),
	)

	return client, nil
}

// evmSubmitter dials the base chain and signs with the node key.
func (n *Node) evmSubmitter() (*chain.EVMSubmitter, error) {
	eth, err := n.dialChain()
	if err != nil {
		return nil, err
	}

	sub := chain.NewEVMSubmitter(eth, n.cfg.PrivateKey, common.HexToAddress(n.cfg.Chain.Contract))
	logger.Info("submitting to chain", "from", sub.From().Hex(), "contract", n.cfg.Chain.Contract)

	return sub, nil
}

// dialChain connects to the base chain RPC once.
func (n *Node) dialChain() (*ethclient.Client, error) {
	if n.eth != nil {
		return n.eth, nil
	}

	eth, err := ethclient.DialContext(n.ctx, n.cfg.Chain.RPC)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", n.cfg.Chain.RPC, err)
	}
	n.eth = eth

	return eth, nil
}

// initMetrics sets up the meter provider and the round counters.
func (n *Node) initMetrics() error {
	provider, err := metrics.Setup(n.ctx, metrics.Config{
		ServiceName: "attester",
		Endpoint:    n.cfg.Metrics.Endpoint,
		Insecure:    n.cfg.Metrics.Insecure,
		Interval:    n.cfg.Metrics.Interval,
	})
	if err != nil {
		return fmt.Errorf("setup metrics:\n%w", err)
	}
	n.metrics = provider

	recorder, err := metrics.NewRecorder(provider.Meter())
	if err != nil {
		return fmt.Errorf("create recorder:\n%w", err)
	}
	n.recorder = recorder

	return nil
}

// initRounds creates the round manager.
func (n *Node) initRounds() error {
	settings := round.DefaultSettings(time.Unix(n.cfg.Rounds.FirstRoundStart, 0))
	if n.cfg.Rounds.RoundDuration > 0 {
		settings.RoundDuration = n.cfg.Rounds.RoundDuration
	}
	if n.cfg.Rounds.CommitTime > 0 {
		settings.CommitTime = n.cfg.Rounds.CommitTime
	}
	settings.SubmitFinalize = n.cfg.Rounds.SubmitFinalize

	manager, err := round.NewManager(round.Config{
		Settings:  settings,
		DAC:       n.dac,
		Verifier:  n.dispatcher,
		Submitter: n.submitter,
		Store:     n.store,
		Recorder:  n.recorder,
		Retention: n.cfg.Rounds.Retention,
	}, n.loop)
	if err != nil {
		return fmt.Errorf("create manager:\n%w", err)
	}
	n.manager = manager

	if err := metrics.ObserveActiveRound(n.metrics.Meter(), manager.ActiveRound); err != nil {
		return fmt.Errorf("observe active round:\n%w", err)
	}

	return nil
}

// initCollector creates the base chain event collector, or the simulator
// when running without a chain.
func (n *Node) initCollector() error {
	if n.cfg.Simulate.Enabled {
		n.simulator = newSimulator(n.manager.Attest, n.cfg.Simulate.Interval)
		return nil
	}

	if n.cfg.Chain.RPC == "" {
		logger.Warn("no chain configured, requests only arrive through the api")
		return nil
	}

	eth, err := n.dialChain()
	if err != nil {
		return err
	}

	n.collector = chain.NewCollector(eth, chain.CollectorConfig{
		Contract:      common.HexToAddress(n.cfg.Chain.Contract),
		StartBlock:    n.cfg.Chain.StartBlock,
		Confirmations: n.cfg.Chain.Confirmations,
		PollInterval:  n.cfg.Chain.PollInterval,
	}, n.manager.Attest)

	return nil
}

// initAPI creates the monitoring API.
func (n *Node) initAPI() error {
	if n.cfg.HTTPAddress == "" {
		return nil
	}

	n.api = api.New(n.cfg.HTTPAddress, n.manager, n.manager, n.store, n.dac)

	return nil
}

// Run starts the engine and blocks until a shutdown signal.
func (n *Node) Run() error {
	if n.api != nil {
		if err := n.api.Start(); err != nil {
			return fmt.Errorf("start api:\n%w", err)
		}
	}

	n.spawn(n.manager.Run)

	if n.collector != nil {
		n.spawn(n.collector.Run)
	}

	if n.simulator != nil {
		n.spawn(n.simulator.run)
	}

	logger.Info("attester running",
		"active", n.manager.Settings().RoundAt(time.Now()),
		"roundDuration", n.manager.Settings().RoundDuration,
	)

	return n.waitForShutdown()
}

// spawn runs fn on a goroutine tracked by the node.
func (n *Node) spawn(fn func(context.Context)) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn(n.ctx)
	}()
}

// waitForShutdown blocks until a signal and closes the node.
func (n *Node) waitForShutdown() error {
	sig := waitForSignal()
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components. The loop stops first so no
// result is delivered to a closed store.
func (n *Node) Close() error {
	n.cancel()
	n.wg.Wait()

	if n.api != nil {
		n.api.Stop()
	}

	if n.dispatcher != nil {
		n.dispatcher.Close()
	}

	if n.submitter != nil {
		n.submitter.Close()
	}

	if n.relay != nil {
		n.relay.Close()
	}

	if n.eth != nil {
		n.eth.Close()
	}

	if n.dac != nil {
		n.dac.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if n.metrics != nil {
		if err := n.metrics.Shutdown(ctx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}

	if n.runtime != nil {
		n.runtime.Close(ctx)
	}

	if n.store != nil {
		n.store.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}

	return nil
}

// logSubmitter logs submissions instead of sending them.
type logSubmitter struct{}

// SubmitAttestation implements chain.Submitter with a fake receipt.
func (logSubmitter) SubmitAttestation(_ context.Context, sub chain.Submission) (*chain.Receipt, error) {
	data, err := chain.PackSubmission(sub)
	if err != nil {
		return nil, err
	}

	rc := &chain.Receipt{TxHash: crypto.Keccak256Hash(data)}

	logger.Info("dry run submission",
		"action", sub.Action,
		"round", sub.RoundID,
		"buffer", sub.BufferNumber,
		"masked", sub.MaskedRoot.Hex(),
		"tx", rc.TxHash.Hex(),
	)

	return rc, nil
}

// relayIdentity derives the relay TLS identity from the node key so
// attesters can pin it across restarts.
func relayIdentity(key *ecdsa.PrivateKey) ed25519.PrivateKey {
	seed := blake3.Sum256(append([]byte("attester-relay-identity"), crypto.FromECDSA(key)...))
	return ed25519.NewKeyFromSeed(seed[:])
}
