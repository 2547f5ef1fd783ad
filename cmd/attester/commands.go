package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"Attester/internal/dac"
	"Attester/internal/logger"
	"Attester/internal/merkle"
	"Attester/internal/relay"
)

// options are the values of the command line flags.
type options struct {
	configPath string
	logLevel   string

	dataPath string
	dacDir   string
	http     string
	keyPath  string
	rpc      string
	contract string
	relay    string
	simulate bool
	listen   string
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "attester",
		Short:         "Commit/reveal attestation client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCommand(opts),
		newRelayCommand(opts),
		newDACCommand(),
		newMerkleCommand(),
	)

	return root
}

func newRunCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the attestation rounds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := prepareConfig(cmd, opts)
			if err != nil {
				return err
			}

			node, err := NewNode(cfg)
			if err != nil {
				return fmt.Errorf("create node:\n%w", err)
			}

			printStartupInfo(cfg)

			return node.Run()
		},
	}

	cmd.Flags().StringVar(&opts.dataPath, "data", "", "Data directory")
	cmd.Flags().StringVar(&opts.dacDir, "dac", "", "DAC generation directory")
	cmd.Flags().StringVar(&opts.http, "http", "", "HTTP API address")
	cmd.Flags().StringVar(&opts.keyPath, "key", "", "Path to the secp256k1 key file")
	cmd.Flags().StringVar(&opts.rpc, "rpc", "", "Base chain RPC endpoint")
	cmd.Flags().StringVar(&opts.contract, "contract", "", "Attestation contract address")
	cmd.Flags().StringVar(&opts.relay, "relay", "", "Relay address to submit through")
	cmd.Flags().BoolVar(&opts.simulate, "simulate", false, "Generate random requests and verify them with the simulated backend")

	return cmd
}

func newRelayCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Forward signed attester submissions to the base chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := prepareConfig(cmd, opts)
			if err != nil {
				return err
			}

			return runRelay(cfg)
		},
	}

	cmd.Flags().StringVar(&opts.keyPath, "key", "", "Path to the secp256k1 key file")
	cmd.Flags().StringVar(&opts.rpc, "rpc", "", "Base chain RPC endpoint")
	cmd.Flags().StringVar(&opts.contract, "contract", "", "Attestation contract address")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "UDP listen address")

	return cmd
}

// runRelay serves the relay until a shutdown signal.
func runRelay(cfg *Config) error {
	if cfg.Chain.RPC == "" {
		return fmt.Errorf("relay needs chain.rpc")
	}

	allowed, err := parseKeys(cfg.Relay.Allowed)
	if err != nil {
		return err
	}

	n := &Node{cfg: cfg}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	defer n.cancel()

	sub, err := n.evmSubmitter()
	if err != nil {
		return err
	}
	defer n.eth.Close()

	srv, err := relay.NewServer(relay.ServerConfig{
		ListenAddr:    cfg.Relay.Listen,
		Identity:      relayIdentity(cfg.PrivateKey),
		Allowed:       allowed,
		Submitter:     sub,
		SubmitTimeout: cfg.Chain.SubmitTimeout,
	})
	if err != nil {
		return fmt.Errorf("create relay:\n%w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start relay:\n%w", err)
	}

	logger.Info("relay running",
		"addr", srv.Addr(),
		"identity", hex.EncodeToString(srv.PublicKey()),
		"allowed", len(allowed),
	)

	sig := waitForSignal()
	logger.Info("shutting down", "signal", sig.String())

	return srv.Close()
}

// parseKeys decodes hex BLS public keys.
func parseKeys(keys []string) ([][]byte, error) {
	out := make([][]byte, 0, len(keys))

	for _, k := range keys {
		pk, err := hex.DecodeString(strings.TrimPrefix(k, "0x"))
		if err != nil || len(pk) != relay.PublicKeySize {
			return nil, fmt.Errorf("invalid relay key %q", k)
		}
		out = append(out, pk)
	}

	return out, nil
}

func newDACCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dac",
		Short: "Inspect DAC generation files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>...",
		Short: "Parse generation files and print their budgets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				gen, err := dac.ParseFile(path)
				if err != nil {
					return fmt.Errorf("check %s:\n%w", path, err)
				}
				printGeneration(cmd.OutOrStdout(), gen)
			}
			return nil
		},
	})

	return cmd
}

// printGeneration writes one line per source and type of gen.
func printGeneration(w io.Writer, gen *dac.Generation) {
	fmt.Fprintf(w, "%s: start round %d, %d sources\n", gen.Path, gen.StartRound, len(gen.Sources))

	sources := make([]*dac.SourceConfig, 0, len(gen.Sources))
	for _, sc := range gen.Sources {
		sources = append(sources, sc)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Source < sources[j].Source })

	for _, sc := range sources {
		fmt.Fprintf(w, "  %s max=%s blocks=%d\n", sc.Source, sc.MaxCallsPerRound, sc.RequiredBlocks)

		types := make([]dac.TypeConfig, 0, len(sc.Types))
		for _, tc := range sc.Types {
			types = append(types, tc)
		}
		sort.Slice(types, func(i, j int) bool { return types[i].Type < types[j].Type })

		for _, tc := range types {
			fmt.Fprintf(w, "    %s avg=%s\n", tc.Type, tc.AvgCalls)
		}
	}
}

func newMerkleCommand() *cobra.Command {
	var proofFor string

	cmd := &cobra.Command{
		Use:   "merkle",
		Short: "Merkle tree tools",
	}

	root := &cobra.Command{
		Use:   "root <hash>...",
		Short: "Compute the root of a set of leaf hashes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printMerkle(cmd.OutOrStdout(), args, proofFor)
		},
	}
	root.Flags().StringVar(&proofFor, "proof", "", "Also print the proof for this leaf")

	cmd.AddCommand(root)

	return cmd
}

// printMerkle builds the tree of the given hex leaves and prints its root,
// and the proof of proofFor when set.
func printMerkle(w io.Writer, args []string, proofFor string) error {
	leaves := make([]common.Hash, 0, len(args))
	for _, a := range args {
		h, err := parseHash(a)
		if err != nil {
			return err
		}
		leaves = append(leaves, h)
	}

	tree := merkle.New(leaves)

	root, _ := tree.Root()
	fmt.Fprintf(w, "root %s (%d leaves)\n", root.Hex(), tree.Len())

	if proofFor == "" {
		return nil
	}

	leaf, err := parseHash(proofFor)
	if err != nil {
		return err
	}

	proof, ok := tree.Proof(tree.Index(leaf))
	if !ok {
		return fmt.Errorf("leaf %s is not in the tree", leaf.Hex())
	}

	for i, p := range proof {
		fmt.Fprintf(w, "proof[%d] %s\n", i, p.Hex())
	}

	return nil
}

// parseHash decodes a 32 byte hex hash.
func parseHash(s string) (common.Hash, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid hash %q", s)
	}

	return common.BytesToHash(b), nil
}

// prepareConfig loads the config file, applies the flags that were set
// and loads the node key.
func prepareConfig(cmd *cobra.Command, opts *options) (*Config, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	applyFlags(cmd, opts, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	cfg.PrivateKey, err = loadPrivateKey(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load key:\n%w", err)
	}

	return cfg, nil
}

// applyFlags overrides cfg with the flags given on the command line.
func applyFlags(cmd *cobra.Command, opts *options, cfg *Config) {
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}

	if changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if changed("data") {
		cfg.DataPath = opts.dataPath
	}
	if changed("dac") {
		cfg.DACDir = opts.dacDir
	}
	if changed("http") {
		cfg.HTTPAddress = opts.http
	}
	if changed("key") {
		cfg.KeyPath = opts.keyPath
	}
	if changed("rpc") {
		cfg.Chain.RPC = opts.rpc
	}
	if changed("contract") {
		cfg.Chain.Contract = opts.contract
	}
	if changed("relay") {
		cfg.Relay.Addr = opts.relay
	}
	if changed("simulate") {
		cfg.Simulate.Enabled = opts.simulate
	}
	if changed("listen") {
		cfg.Relay.Listen = opts.listen
	}
}

// printStartupInfo displays the node configuration at startup.
func printStartupInfo(cfg *Config) {
	logger.Info("starting attester",
		"address", crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey).Hex(),
		"http", cfg.HTTPAddress,
		"data", cfg.DataPath,
		"dac", cfg.DACDir,
		"rpc", cfg.Chain.RPC,
		"relay", cfg.Relay.Addr,
		"simulate", cfg.Simulate.Enabled,
	)
}
