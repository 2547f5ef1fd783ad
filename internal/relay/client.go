package relay

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"Attester/internal/chain"
	"Attester/internal/logger"
)

// defaultRequestTimeout applies when the caller context has no deadline.
const defaultRequestTimeout = 60 * time.Second

// ClientConfig configures a relay Client.
type ClientConfig struct {
	Addr      string            // Addr is the relay UDP address
	Key       *KeyPair          // Key signs every submission
	ServerKey ed25519.PublicKey // ServerKey pins the relay identity when set
}

// Client submits signed submissions to a relay. It implements
// chain.Submitter and reuses one QUIC connection.
type Client struct {
	addr       string
	key        *KeyPair
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	mu   sync.Mutex
	conn *quic.Conn
}

// NewClient creates a client. The connection is dialed lazily.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("relay address is required")
	}

	if cfg.Key == nil {
		return nil, fmt.Errorf("signing key is required")
	}

	return &Client{
		addr:      cfg.Addr,
		key:       cfg.Key,
		tlsConfig: &tls.Config{
			InsecureSkipVerify:    true, // the relay is self-signed, its key is pinned instead
			VerifyPeerCertificate: pinIdentity(cfg.ServerKey),
			NextProtos:            []string{alpnProtocol},
		},
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
	}, nil
}

// SubmitAttestation implements chain.Submitter.
func (c *Client) SubmitAttestation(ctx context.Context, sub chain.Submission) (*chain.Receipt, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.request(ctx, conn, encodeRequest(sub, c.key))
	if err != nil {
		c.drop(conn)
		return nil, fmt.Errorf("relay %s:\n%w", sub, err)
	}

	rc, err := decodeResponse(resp)
	if err != nil {
		var remote *RemoteError
		if !errors.As(err, &remote) {
			c.drop(conn)
		}
		return nil, err
	}

	return rc, nil
}

// connection returns the live connection, dialing if needed.
func (c *Client) connection(ctx context.Context) (*quic.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.Context().Err() == nil {
		return c.conn, nil
	}

	conn, err := quic.DialAddr(ctx, c.addr, c.tlsConfig, c.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial relay:\n%w", err)
	}

	logger.Debug("relay connected", "addr", c.addr)
	c.conn = conn

	return conn, nil
}

// request sends data on a new stream and reads the response.
func (c *Client) request(ctx context.Context, conn *quic.Conn, data []byte) ([]byte, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if _, err := stream.Write(data); err != nil {
		stream.CancelRead(0)
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	// closing the send side marks the end of the request
	if err := stream.Close(); err != nil {
		stream.CancelRead(0)
		return nil, fmt.Errorf("finish request:\n%w", err)
	}

	resp, err := readBody(stream)
	if err != nil {
		stream.CancelRead(0)
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return resp, nil
}

// pinIdentity rejects relays whose certificate key is not serverKey.
// A nil serverKey accepts any relay.
func pinIdentity(serverKey ed25519.PublicKey) func([][]byte, [][]*x509.Certificate) error {
	if serverKey == nil {
		return nil
	}

	return func(raw [][]byte, _ [][]*x509.Certificate) error {
		if len(raw) == 0 {
			return errors.New("relay sent no certificate")
		}

		cert, err := x509.ParseCertificate(raw[0])
		if err != nil {
			return fmt.Errorf("parse relay certificate:\n%w", err)
		}

		pk, ok := cert.PublicKey.(ed25519.PublicKey)
		if !ok || !equalKey(pk, serverKey) {
			return errors.New("relay identity mismatch")
		}

		return nil
	}
}

// drop closes conn if it is still the current connection.
func (c *Client) drop(conn *quic.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == conn {
		c.conn.CloseWithError(0, "reset")
		c.conn = nil
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.CloseWithError(0, "closed")
	c.conn = nil

	return err
}
