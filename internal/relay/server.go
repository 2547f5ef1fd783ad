package relay

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"Attester/internal/chain"
	"Attester/internal/logger"
)

const (
	// alpnProtocol is negotiated by relay clients and servers.
	alpnProtocol = "attester-relay/1"

	// defaultRelayTimeout bounds one forwarded submission.
	defaultRelayTimeout = 60 * time.Second

	// streamTimeout bounds reading a request from a stream.
	streamTimeout = 10 * time.Second
)

// ServerConfig configures a relay Server.
type ServerConfig struct {
	ListenAddr    string             // ListenAddr is the UDP address to listen on
	Identity      ed25519.PrivateKey // Identity is the TLS key; generated when nil
	Allowed       [][]byte           // Allowed lists accepted BLS public keys; empty accepts any signer
	Submitter     chain.Submitter    // Submitter forwards verified submissions to the chain
	SubmitTimeout time.Duration
	ReplayTTL     time.Duration
}

// Server accepts signed submissions over QUIC and forwards them to the
// base chain through its own submitter.
type Server struct {
	listenAddr string
	identity   ed25519.PrivateKey
	tlsConfig  *tls.Config
	quicConfig *quic.Config
	listener   *quic.Listener

	allowed   map[string]bool // allowed maps hex public keys to true
	submitter chain.Submitter
	timeout   time.Duration
	replay    *replayCache
	submitMu  sync.Mutex // submitMu serializes lookups and forwarding per request

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a relay server. Call Start to listen.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	if cfg.Submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}

	identity := cfg.Identity
	if identity == nil {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate identity:\n%w", err)
		}
		identity = priv
	}

	cert, err := relayCertificate(identity)
	if err != nil {
		return nil, fmt.Errorf("relay certificate:\n%w", err)
	}

	timeout := cfg.SubmitTimeout
	if timeout <= 0 {
		timeout = defaultRelayTimeout
	}

	allowed := make(map[string]bool, len(cfg.Allowed))
	for _, pk := range cfg.Allowed {
		allowed[hex.EncodeToString(pk)] = true
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		listenAddr: cfg.ListenAddr,
		identity:   identity,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpnProtocol},
		},
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		allowed:   allowed,
		submitter: cfg.Submitter,
		timeout:   timeout,
		replay:    newReplayCache(cfg.ReplayTTL),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// relayCertificate self-signs the relay identity. Clients pin the key,
// so the certificate carries no name and is regenerated on every start.
func relayCertificate(identity ed25519.PrivateKey) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("serial:\n%w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "attester-relay"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, identity.Public(), identity)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("sign certificate:\n%w", err)
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: identity}, nil
}

// PublicKey returns the TLS identity clients can pin.
func (s *Server) PublicKey() ed25519.PublicKey {
	return s.identity.Public().(ed25519.PublicKey)
}

// Addr returns the listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Start begins accepting connections.
func (s *Server) Start() error {
	listener, err := quic.ListenAddr(s.listenAddr, s.tlsConfig, s.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	logger.Info("relay listening", "addr", s.Addr(), "allowed", len(s.allowed))

	return nil
}

// Close stops the server and waits for handlers.
func (s *Server) Close() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.wg.Wait()
	s.replay.close()

	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept(s.ctx)
		if err != nil {
			return
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn serves request streams until the connection closes.
func (s *Server) handleConn(conn *quic.Conn) {
	defer s.wg.Done()
	defer conn.CloseWithError(0, "")

	for {
		stream, err := conn.AcceptStream(s.ctx)
		if err != nil {
			return
		}

		s.wg.Add(1)
		go s.handleStream(conn, stream)
	}
}

func (s *Server) handleStream(conn *quic.Conn, stream *quic.Stream) {
	defer s.wg.Done()
	defer stream.Close()

	// the client finishes its side after the request
	stream.SetReadDeadline(time.Now().Add(streamTimeout))

	data, err := readBody(stream)
	if err != nil {
		logger.Debug("relay read failed", "peer", conn.RemoteAddr(), "error", err)
		stream.CancelRead(0)
		return
	}

	if _, err := stream.Write(s.handle(data)); err != nil {
		logger.Debug("relay write failed", "peer", conn.RemoteAddr(), "error", err)
	}
}

// handle verifies and forwards one request and returns the response.
func (s *Server) handle(data []byte) []byte {
	req, err := decodeRequest(data)
	if err != nil {
		return encodeResponse(nil, err)
	}

	if !req.verify() {
		logger.Warn("relay rejected bad signature", "signer", shortKey(req.publicKey))
		return encodeResponse(nil, fmt.Errorf("invalid signature"))
	}

	if !s.isAllowed(req.publicKey) {
		logger.Warn("relay rejected unknown signer", "signer", shortKey(req.publicKey))
		return encodeResponse(nil, fmt.Errorf("signer not allowed"))
	}

	sub, err := decodeSubmission(req.submission)
	if err != nil {
		return encodeResponse(nil, err)
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	if rc, ok := s.replay.get(data); ok {
		logger.Debug("relay answered replay", "submission", sub)
		return encodeResponse(rc, nil)
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	rc, err := s.submitter.SubmitAttestation(ctx, sub)
	if err == nil && rc == nil {
		err = chain.ErrNoReceipt
	}
	if err != nil {
		logger.Warn("relay submission failed",
			"submission", sub,
			"signer", shortKey(req.publicKey),
			"error", err,
		)
		return encodeResponse(nil, err)
	}

	s.replay.put(data, rc)

	logger.Info("relay submitted",
		"submission", sub,
		"signer", shortKey(req.publicKey),
		"tx", rc.TxHash,
	)

	return encodeResponse(rc, nil)
}

func (s *Server) isAllowed(pk []byte) bool {
	if len(s.allowed) == 0 {
		return true
	}

	return s.allowed[hex.EncodeToString(pk)]
}

// shortKey formats the first bytes of a key for logs.
func shortKey(pk []byte) string {
	return hex.EncodeToString(pk[:min(len(pk), 8)])
}

// equalKey reports whether a and b are the same ed25519 key.
func equalKey(a, b ed25519.PublicKey) bool {
	return bytes.Equal(a, b)
}
