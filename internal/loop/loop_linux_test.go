//go:build linux

package loop

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"torforward/internal/circuit"
	"torforward/internal/handshake"
	"torforward/internal/translate"
)

// fakeTorListener accepts upstream SOCKS5 connections and runs a scripted
// reply sequence: offer user/pass auth, accept any credentials, accept any
// CONNECT and reply success.
func fakeTorListener(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeTor(conn)
		}
	}()

	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func serveFakeTor(conn net.Conn) {
	defer conn.Close()

	buf := make([]byte, 3)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return
	}
	if _, err := conn.Write([]byte{5, 2}); err != nil {
		return
	}

	auth := make([]byte, 11)
	if _, err := io.ReadFull(conn, auth); err != nil {
		return
	}
	if _, err := conn.Write([]byte{1, 0}); err != nil {
		return
	}

	hdr := make([]byte, 5)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return
	}
	nameLen := int(hdr[4])
	rest := make([]byte, nameLen+2)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return
	}
	if _, err := conn.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0}); err != nil {
		return
	}

	// Relay phase: echo whatever the client sends, so the test can
	// observe bytes flowing through the forwarder end to end.
	io.Copy(conn, conn)
}

func startLoop(t *testing.T, upstreamPort uint16) (clientAddr string) {
	t.Helper()
	l, err := New(Config{
		ListenHost: "127.0.0.1",
		ListenPort: 0,
		Sessions:   4,
		Handshake: handshake.Config{
			UpstreamHost: "127.0.0.1",
			UpstreamPort: upstreamPort,
			DefaultHost:  "default.onion",
			DefaultPort:  465,
			Translate:    translate.Default(),
			Circuit:      circuit.New(time.Minute),
		},
	})
	require.NoError(t, err)
	t.Cleanup(l.Close)

	port, err := l.Port()
	require.NoError(t, err)

	go func() { _ = l.Run() }()

	return net.JoinHostPort("127.0.0.1", itoa(int(port)))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestEndToEndSocks5Relay(t *testing.T) {
	upstreamPort := fakeTorListener(t)
	addr := startLoop(t, upstreamPort)

	// Give the loop goroutine a moment to reach its first EpollWait.
	time.Sleep(50 * time.Millisecond)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = conn.Write([]byte{5, 1, 0})
	require.NoError(t, err)
	ack := make([]byte, 2)
	_, err = io.ReadFull(conn, ack)
	require.NoError(t, err)
	require.Equal(t, []byte{5, 0}, ack)

	domain := "example.com"
	req := []byte{5, 1, 0, 3, byte(len(domain))}
	req = append(req, domain...)
	req = append(req, 0, 80)
	_, err = conn.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, []byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0}, reply)

	payload := []byte("hello through the tunnel")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	echoed := make([]byte, len(payload))
	_, err = io.ReadFull(conn, echoed)
	require.NoError(t, err)
	require.Equal(t, payload, echoed)
}

func TestSlotExhaustionRejectsExtraConnection(t *testing.T) {
	upstreamPort := fakeTorListener(t)
	l, err := New(Config{
		ListenHost: "127.0.0.1",
		ListenPort: 0,
		Sessions:   1,
		Handshake: handshake.Config{
			UpstreamHost: "127.0.0.1",
			UpstreamPort: upstreamPort,
			Translate:    translate.Default(),
			Circuit:      circuit.New(time.Minute),
		},
	})
	require.NoError(t, err)
	t.Cleanup(l.Close)
	port, err := l.Port()
	require.NoError(t, err)
	go func() { _ = l.Run() }()
	time.Sleep(50 * time.Millisecond)

	addr := net.JoinHostPort("127.0.0.1", itoa(int(port)))

	first, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer first.Close()
	// Don't complete the handshake: occupy the single slot indefinitely.
	_, err = first.Write([]byte{5, 1, 0})
	require.NoError(t, err)
	ack := make([]byte, 2)
	first.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(first, ack)
	require.NoError(t, err)

	second, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer second.Close()
	second.SetDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = second.Read(buf)
	require.Error(t, err, "a connection arriving while no slot is free must not be served")
}
