package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradewire/fixengine/internal/fix"
)

// ErrNotConnected is returned by Send before a successful Dial.
var ErrNotConnected = errors.New("transport not connected")

// Transport is the network I/O boundary. The session only sends bytes
// through it; received bytes are delivered by the owner via Session.OnBytes.
type Transport interface {
	// Dial establishes the connection, including the TLS handshake.
	Dial(ctx context.Context) error
	// Send writes one encoded message. Safe for concurrent use.
	Send(b []byte) error
	Close() error
}

// TLSTransport implements Transport over a TLS TCP connection with
// mandatory certificate validation.
type TLSTransport struct {
	addr        string
	tlsConfig   *tls.Config
	dialTimeout time.Duration
	log         *zap.Logger

	mu   sync.Mutex
	conn *tls.Conn
}

// NewTLSTransport creates a transport for addr. The TLS config is required
// and must not disable certificate verification.
func NewTLSTransport(addr string, tlsConfig *tls.Config, dialTimeout time.Duration, log *zap.Logger) (*TLSTransport, error) {
	if tlsConfig == nil {
		return nil, errors.New("tls config is required")
	}
	if tlsConfig.InsecureSkipVerify {
		return nil, errors.New("certificate validation must not be disabled")
	}
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &TLSTransport{
		addr:        addr,
		tlsConfig:   tlsConfig,
		dialTimeout: dialTimeout,
		log:         log.Named("transport"),
	}, nil
}

// Dial connects and completes the TLS handshake.
func (t *TLSTransport) Dial(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: t.dialTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}
	conn, err := tls.DialWithDialer(dialer, "tcp", t.addr, t.tlsConfig)
	if err != nil {
		return fmt.Errorf("tls dial %s: %w", t.addr, err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.log.Info("transport connected",
		zap.String("addr", t.addr),
		zap.Uint16("tls_version", conn.ConnectionState().Version),
	)
	return nil
}

// Send writes one encoded message to the connection.
func (t *TLSTransport) Send(b []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if _, err := conn.Write(b); err != nil {
		return fmt.Errorf("transport write: %w", err)
	}
	return nil
}

// Close tears down the connection.
func (t *TLSTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// ReadLoop reads the connection, splits complete FIX frames and hands each
// to deliver. It returns when the context is cancelled or the connection
// fails. Frame splitting tolerates the same corrupted delimiter variants as
// the codec.
func (t *TLSTransport) ReadLoop(ctx context.Context, deliver func([]byte) error) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	buf := make([]byte, 0, 2*fix.MaxMessageBytes)
	chunk := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				frameLen := fix.FrameLen(buf)
				if frameLen == 0 {
					break
				}
				if err := deliver(buf[:frameLen]); err != nil {
					t.log.Warn("inbound frame not accepted", zap.Error(err))
				}
				buf = append(buf[:0], buf[frameLen:]...)
			}
			if len(buf) > 2*fix.MaxMessageBytes {
				return fmt.Errorf("unframeable inbound stream: %d buffered bytes", len(buf))
			}
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("transport read: %w", err)
		}
	}
}
