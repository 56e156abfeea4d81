package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenDTLS(t *testing.T, cfg *dtls.Config) net.Listener {
	t.Helper()
	laddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	ln, err := dtls.Listen("udp", laddr, cfg)
	require.NoError(t, err)
	return ln
}

func TestDialDTLS(t *testing.T) {
	serverCfg, err := NewDTLSConfig(DTLSOptions{})
	require.NoError(t, err)
	require.Len(t, serverCfg.Certificates, 1)

	ln := listenDTLS(t, serverCfg)
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		received <- string(buf[:n])
	}()

	clientCfg, err := NewDTLSConfig(DTLSOptions{InsecureSkipVerify: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := DialDTLS(ctx, ln.Addr().String(), clientCfg, time.Second)
	require.NoError(t, err)
	defer s.Close()

	n, err := s.Send([]byte("hello over dtls"))
	require.NoError(t, err)
	assert.Equal(t, 15, n)

	select {
	case msg := <-received:
		assert.Equal(t, "hello over dtls", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive the datagram")
	}
}

func TestDialDTLSBadAddress(t *testing.T) {
	cfg, err := NewDTLSConfig(DTLSOptions{InsecureSkipVerify: true})
	require.NoError(t, err)

	_, err = DialDTLS(context.Background(), "not an address", cfg, 0)
	assert.Error(t, err)
}
