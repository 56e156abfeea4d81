package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/dtls/v3/pkg/crypto/selfsign"
)

// DTLSOptions selects certificates and limits for DTLS connections.
type DTLSOptions struct {
	// Certificates are presented to the peer. When empty a self-signed
	// certificate is generated.
	Certificates []tls.Certificate

	// InsecureSkipVerify disables peer certificate verification. Required
	// with self-signed certificates.
	InsecureSkipVerify bool

	MTU          int
	WriteTimeout time.Duration
}

// NewDTLSConfig builds a pion DTLS configuration from opts.
func NewDTLSConfig(opts DTLSOptions) (*dtls.Config, error) {
	certs := opts.Certificates
	if len(certs) == 0 {
		cert, err := selfsign.GenerateSelfSigned()
		if err != nil {
			return nil, fmt.Errorf("dtls: self_signed: %w", err)
		}
		certs = []tls.Certificate{cert}
	}

	mtu := opts.MTU
	if mtu <= 0 {
		mtu = 1200
	}
	return &dtls.Config{
		Certificates:         certs,
		InsecureSkipVerify:   opts.InsecureSkipVerify,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		MTU:                  mtu,
	}, nil
}

// DialDTLS connects to addr over DTLS and completes the handshake before
// returning a sender for the connection.
func DialDTLS(ctx context.Context, addr string, cfg *dtls.Config, writeTimeout time.Duration) (*ConnSender, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := dtls.Dial("udp", raddr, cfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}
	return NewConnSender(conn, writeTimeout), nil
}
