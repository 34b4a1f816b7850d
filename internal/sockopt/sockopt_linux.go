//go:build linux

// Package sockopt applies the TCP performance socket options the forwarder
// wants on every socket it owns, continuing the role
// Ealireza-SuperProxy/sockopt_linux.go played for that proxy's outbound
// dialer — here applied directly to raw fds instead of through
// net.Dialer.Control, since the readiness loop manages fds, not net.Conn.
package sockopt

import "golang.org/x/sys/unix"

// ApplyListener sets SO_REUSEADDR on a not-yet-bound listening socket so the
// forwarder can restart promptly after a crash.
func ApplyListener(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// ApplyConn disables Nagle's algorithm on a connected TCP socket. Both the
// client-accepted socket and the upstream socket relay small, latency
// sensitive SOCKS5 handshake frames before settling into bulk relay, so
// TCP_NODELAY matters on both ends.
func ApplyConn(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}
