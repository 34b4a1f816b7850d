// Package handshake implements the dual-sided SOCKS5 protocol state machine
// described in spec.md §4.6: it parses the client's greeting/request while
// driving a second SOCKS5 greeting/auth/request dialog toward the upstream
// proxy, then — at the moment the upstream CONNECT reply arrives — excises
// every handshake byte from both buffers and synthesizes a success reply to
// the client.
//
// Each side is an explicit state machine (ClientPhase / UpstreamPhase,
// carried on the session.Slot) rather than the original C implementation's
// "old < k <= new" buffer-offset comparison: a phase's action runs exactly
// once, when it transitions, so re-entrance under fragmented reads is free.
package handshake

import (
	"log"
	"net"

	"golang.org/x/sys/unix"

	"torforward/internal/circuit"
	"torforward/internal/session"
	"torforward/internal/translate"
)

// Config carries the compiled-in addresses the machine needs: where to dial
// the upstream SOCKS5 proxy, and the default destination for raw-mode
// (non-SOCKS5) sessions.
type Config struct {
	UpstreamHost string
	UpstreamPort uint16
	DefaultHost  string
	DefaultPort  uint16

	Translate *translate.Table
	Circuit   *circuit.Generator
}

// RegisterUpstream is called the instant a session's upstream socket is
// created and connected, so the caller (the readiness loop) can add it to
// its interest set. Implementations must not block.
type RegisterUpstream func(s *session.Slot, fd int) error

// Machine drives the handshake for every session sharing this configuration.
// It holds no per-session state itself; all per-session state lives on the
// session.Slot passed into each call.
type Machine struct {
	cfg      Config
	register RegisterUpstream
}

// New builds a Machine. register is invoked once per session when the
// upstream socket is created.
func New(cfg Config, register RegisterUpstream) *Machine {
	return &Machine{cfg: cfg, register: register}
}

// OnClientReadable is invoked by the read-client I/O handler after it has
// grown OutLen by nread bytes, while s.Handshaking is true.
func (m *Machine) OnClientReadable(s *session.Slot) {
	switch s.ClientPhase {
	case session.ClientPhaseGreeting:
		m.handleClientGreeting(s)
	case session.ClientPhaseRequest:
		m.handleClientRequest(s)
	default:
		// ClientPhaseComplete: nothing left for the client side to parse.
	}
}

// OnUpstreamReadable is invoked by the read-upstream I/O handler after it
// has grown InLen, while s.Handshaking is true.
func (m *Machine) OnUpstreamReadable(s *session.Slot) {
	switch s.UpstreamPhase {
	case session.UpstreamPhaseAwaitingMethodSelect:
		m.handleMethodSelect(s)
	case session.UpstreamPhaseAwaitingAuthResult:
		m.handleAuthResult(s)
	case session.UpstreamPhaseAwaitingConnectReply:
		m.handleConnectReply(s)
	default:
	}
}

// --- client side (spec.md §4.6.1) ---

func (m *Machine) handleClientGreeting(s *session.Slot) {
	if s.OutLen < 1 {
		return
	}
	if s.OutBuf[0] != 5 {
		// Raw-TCP path: the first byte alone is the trigger. No bytes of
		// the client's stream are handshake bytes, so ClientHandshakeLen
		// stays zero and nothing is ever stripped from OutBuf.
		s.IsSocks5 = false
		s.ClientHandshakeLen = 0
		s.ClientPhase = session.ClientPhaseComplete
		m.startUpstream(s)
		return
	}

	if s.OutLen < 2 {
		return
	}
	nmethods := int(s.OutBuf[1])
	if s.OutLen < 2+nmethods {
		return
	}

	hasNoAuth := false
	for _, method := range s.OutBuf[2 : 2+nmethods] {
		if method == 0x00 {
			hasNoAuth = true
			break
		}
	}
	if !hasNoAuth {
		log.Printf("[handshake] client offered no acceptable auth methods")
		session.ShutdownAll(s)
		return
	}

	if !sendOrDie(s, s.ClientFD, []byte{5, 0}, "auth accept") {
		return
	}

	s.IsSocks5 = true
	s.RequestOffset = 2 + nmethods
	s.ClientPhase = session.ClientPhaseRequest
	// A fresh read may have delivered the request in the same packet as
	// the greeting; re-examine immediately.
	m.handleClientRequest(s)
}

func (m *Machine) handleClientRequest(s *session.Slot) {
	start := s.RequestOffset
	if s.OutLen < start+4 {
		return
	}
	atyp := s.OutBuf[start+3]

	var reqEnd int
	switch atyp {
	case 3: // domain name: fifth byte is the length
		if s.OutLen < start+5 {
			return
		}
		domainLen := int(s.OutBuf[start+4])
		reqEnd = domainLen + 7
	default:
		// Only domain-name requests are accepted: the outbound CONNECT
		// this forwarder issues is always the domain-name address form
		// (see destination/handleAuthResult below), so an IPv4/IPv6
		// client request has nowhere to put its address. reqEnd=4 is
		// always < 6 and falls into the "bad client request" branch,
		// matching original_source/torforwarder.c's reqlen computation.
		reqEnd = 4
	}

	if s.OutLen < start+reqEnd {
		return
	}

	if s.OutBuf[start] != 5 || s.OutBuf[start+1] != 1 || s.OutBuf[start+2] != 0 || reqEnd < 6 {
		log.Printf("[handshake] bad client request")
		session.ShutdownAll(s)
		return
	}

	domainLen := int(s.OutBuf[start+4])
	s.DestAddr = string(s.OutBuf[start+5 : start+5+domainLen])
	s.DestPort = uint16(s.OutBuf[start+5+domainLen])<<8 | uint16(s.OutBuf[start+5+domainLen+1])

	s.ClientHandshakeLen = start + reqEnd
	s.ClientPhase = session.ClientPhaseComplete
	m.startUpstream(s)
}

// --- upstream side (spec.md §4.6.2) ---

func (m *Machine) startUpstream(s *session.Slot) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		log.Printf("[handshake] socket: %v", err)
		session.ShutdownAll(s)
		return
	}

	host := m.cfg.UpstreamHost
	if host == "" {
		host = "127.0.0.1"
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		log.Printf("[handshake] upstream host %q is not a dotted IPv4 address", host)
		_ = unix.Close(fd)
		session.ShutdownAll(s)
		return
	}
	addr := &unix.SockaddrInet4{Port: int(m.cfg.UpstreamPort)}
	copy(addr.Addr[:], ip)
	if err := unix.Connect(fd, addr); err != nil {
		log.Printf("[handshake] connect upstream: %v", err)
		_ = unix.Close(fd)
		session.ShutdownAll(s)
		return
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		log.Printf("[handshake] setnonblock upstream: %v", err)
		_ = unix.Close(fd)
		session.ShutdownAll(s)
		return
	}

	s.UpstreamFD = fd
	if m.register != nil {
		if err := m.register(s, fd); err != nil {
			log.Printf("[handshake] register upstream fd: %v", err)
			session.ShutdownAll(s)
			return
		}
	}

	if !sendOrDie(s, fd, []byte{5, 1, 2}, "auth type offer") {
		return
	}
	s.UpstreamPhase = session.UpstreamPhaseAwaitingMethodSelect
}

func (m *Machine) handleMethodSelect(s *session.Slot) {
	if s.InLen < 2 {
		return
	}
	if s.InBuf[0] != 5 || s.InBuf[1] != 2 {
		log.Printf("[handshake] bad method-select response from upstream")
		session.ShutdownAll(s)
		return
	}

	id := m.cfg.Circuit.Current()
	user, pass := circuit.Credentials(id)
	req := [11]byte{0x01, 4, user[0], user[1], user[2], user[3], 4, pass[0], pass[1], pass[2], pass[3]}
	if !sendOrDie(s, s.UpstreamFD, req[:], "auth request") {
		return
	}
	s.UpstreamPhase = session.UpstreamPhaseAwaitingAuthResult
}

func (m *Machine) handleAuthResult(s *session.Slot) {
	if s.InLen < 4 {
		return
	}
	if s.InBuf[2] != 1 || s.InBuf[3] != 0 {
		log.Printf("[handshake] upstream auth failed (status=%#x)", s.InBuf[3])
		session.ShutdownAll(s)
		return
	}

	name, port := m.destination(s)

	var buf [4 + 1 + 255 + 2]byte
	buf[0], buf[1], buf[2], buf[3] = 5, 1, 0, 3
	buf[4] = byte(len(name))
	copy(buf[5:], name)
	n := 5 + len(name)
	buf[n] = byte(port >> 8)
	buf[n+1] = byte(port & 0xff)
	n += 2

	if !sendOrDie(s, s.UpstreamFD, buf[:n], "CONNECT request") {
		return
	}
	s.UpstreamPhase = session.UpstreamPhaseAwaitingConnectReply
}

// sendOrDie writes msg to fd in full, tearing the whole session down (never
// a half-close: spec.md §4.7 requires a still-handshaking session that loses
// either direction to die whole) on any error or short write. Mirrors
// original_source/torforwarder.c's send_or_die, which checks nsend != len.
func sendOrDie(s *session.Slot, fd int, msg []byte, what string) bool {
	n, err := unix.Write(fd, msg)
	if err != nil {
		log.Printf("[handshake] could not send %s: %v", what, err)
		session.ShutdownAll(s)
		return false
	}
	if n != len(msg) {
		log.Printf("[handshake] short write sending %s: %d of %d bytes", what, n, len(msg))
		session.ShutdownAll(s)
		return false
	}
	return true
}

// destination resolves the outbound CONNECT's (name, port), reading the
// client's parsed request off the slot rather than re-parsing OutBuf (the
// address-writer-coupling refactor from SPEC_FULL.md §3.6).
func (m *Machine) destination(s *session.Slot) (string, uint16) {
	if !s.IsSocks5 {
		return m.cfg.DefaultHost, m.cfg.DefaultPort
	}
	return m.cfg.Translate.Translate(s.DestAddr), s.DestPort
}

func (m *Machine) handleConnectReply(s *session.Slot) {
	const start = 4
	if s.InLen < start+4 {
		return
	}
	atyp := s.InBuf[start+3]

	var replyLen int
	switch atyp {
	case 1:
		replyLen = 10
	case 4:
		replyLen = 22
	case 3:
		if s.InLen < start+5 {
			return
		}
		replyLen = int(s.InBuf[start+4]) + 7
	default:
		replyLen = 4 // forces the replyLen < 6 failure below
	}

	if s.InLen < start+replyLen {
		return
	}
	if s.InBuf[start] != 5 || s.InBuf[start+1] != 0 || s.InBuf[start+2] != 0 || replyLen < 6 {
		log.Printf("[handshake] bad CONNECT response from upstream")
		session.ShutdownAll(s)
		return
	}

	m.complete(s, start+replyLen)
}

// complete performs the atomic handshake-completion described in spec.md
// §4.6.2: clears Handshaking, strips the consumed handshake bytes from both
// buffers, and — for SOCKS5 clients only — prepends a synthetic 10-byte
// success reply to whatever residual upstream bytes already arrived.
func (m *Machine) complete(s *session.Slot, consumedIn int) {
	s.Handshaking = false
	s.UpstreamPhase = session.UpstreamPhaseComplete

	s.ConsumeIn(consumedIn)

	if s.IsSocks5 {
		residual := s.InLen
		if residual+10 > session.BufSize {
			// Unreachable for well-formed traffic: the handshake prefix
			// consumed above is always >= 10 bytes (4 bytes of method
			// select and auth result plus a CONNECT reply of at least 7),
			// so there is always room at the front.
			log.Printf("[handshake] FATAL: no room for synthetic reply")
			session.ShutdownAll(s)
			return
		}
		copy(s.InBuf[10:10+residual], s.InBuf[:residual])
		copy(s.InBuf[:10], []byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0})
		s.InLen = residual + 10
	}

	s.ConsumeOut(s.ClientHandshakeLen)
}
