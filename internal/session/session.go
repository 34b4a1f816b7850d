// Package session holds the forwarder's per-connection state: the fixed
// slot table, buffer discipline, and the shutdown coordinator that turns
// read EOF, write failure, and handshake failure into the right mix of
// half-close and full teardown.
package session

import (
	"log"

	"golang.org/x/sys/unix"
)

// BufSize is B from the data model: large enough that any legal SOCKS5
// message fits in one buffer.
const BufSize = 4096

// noFD marks an absent socket, mirroring the original forwarder's use of -1
// for "no client" / "no upstream yet".
const noFD = -1

// Slot is one session record. A slot is free when ClientFD == -1 and active
// otherwise; spec.md's invariant "a slot has client_sock present iff it is
// active" is enforced by Table, not by Slot itself.
type Slot struct {
	ClientFD   int
	UpstreamFD int

	OutBuf [BufSize]byte // client -> upstream
	OutLen int
	InBuf  [BufSize]byte // upstream -> client
	InLen  int

	OutEOF      bool
	InEOF       bool
	Handshaking bool

	// DestAddr/DestPort/IsSocks5 are populated by the handshake package
	// while parsing the client's request, and consumed by the same
	// package when it builds the outbound CONNECT; see SPEC_FULL.md
	// §3.6's resolution of the address-writer coupling open question.
	DestAddr string
	DestPort uint16
	IsSocks5 bool

	// ClientPhase/UpstreamPhase/RequestOffset/ClientHandshakeLen are the
	// handshake package's explicit state-machine bookkeeping, per
	// SPEC_FULL.md §3.6. They carry no meaning outside a handshaking
	// session.
	ClientPhase        ClientPhase
	UpstreamPhase      UpstreamPhase
	RequestOffset      int
	ClientHandshakeLen int
}

// ClientPhase is the client-bound handshake side's position in its fixed
// message sequence (spec.md §4.6.1).
type ClientPhase uint8

const (
	// ClientPhaseGreeting covers both the SOCKS5 greeting and the
	// raw-mode first-byte trigger: the machine hasn't yet decided which
	// path the session is on.
	ClientPhaseGreeting ClientPhase = iota
	ClientPhaseRequest
	ClientPhaseComplete
)

// UpstreamPhase is the upstream-bound handshake side's position in its
// fixed message sequence (spec.md §4.6.2).
type UpstreamPhase uint8

const (
	UpstreamPhaseNotConnected UpstreamPhase = iota
	UpstreamPhaseAwaitingMethodSelect
	UpstreamPhaseAwaitingAuthResult
	UpstreamPhaseAwaitingConnectReply
	UpstreamPhaseComplete
)

func (s *Slot) reset() {
	s.ClientFD = noFD
	s.UpstreamFD = noFD
	s.OutLen = 0
	s.InLen = 0
	s.OutEOF = false
	s.InEOF = false
	s.Handshaking = true
	s.DestAddr = ""
	s.DestPort = 0
	s.IsSocks5 = false
	s.ClientPhase = ClientPhaseGreeting
	s.UpstreamPhase = UpstreamPhaseNotConnected
	s.RequestOffset = 0
	s.ClientHandshakeLen = 0
}

// free reports whether the slot holds no connection.
func (s *Slot) free() bool { return s.ClientFD == noFD }

// ConsumeOut discards the first n bytes of OutBuf, shifting the remainder
// down to offset 0.
func (s *Slot) ConsumeOut(n int) {
	if n <= 0 {
		return
	}
	s.OutLen -= n
	copy(s.OutBuf[:s.OutLen], s.OutBuf[n:n+s.OutLen])
}

// ConsumeIn discards the first n bytes of InBuf, shifting the remainder down
// to offset 0.
func (s *Slot) ConsumeIn(n int) {
	if n <= 0 {
		return
	}
	s.InLen -= n
	copy(s.InBuf[:s.InLen], s.InBuf[n:n+s.InLen])
}

// Table is the fixed-capacity array of session slots.
type Table struct {
	slots []Slot
}

// NewTable allocates a table of n free slots.
func NewTable(n int) *Table {
	t := &Table{slots: make([]Slot, n)}
	for i := range t.slots {
		t.slots[i].ClientFD = noFD
		t.slots[i].UpstreamFD = noFD
	}
	return t
}

// Len returns the table's fixed capacity.
func (t *Table) Len() int { return len(t.slots) }

// Slot returns the i'th slot.
func (t *Table) Slot(i int) *Slot { return &t.slots[i] }

// HasFree reports whether any slot is currently free.
func (t *Table) HasFree() bool {
	for i := range t.slots {
		if t.slots[i].free() {
			return true
		}
	}
	return false
}

// Acquire installs clientFD into any free slot, clearing all flags and
// lengths and setting Handshaking true, per spec.md §4.3's accept
// discipline. It reports false if no free slot exists.
func (t *Table) Acquire(clientFD int) (*Slot, bool) {
	for i := range t.slots {
		if t.slots[i].free() {
			t.slots[i].reset()
			t.slots[i].ClientFD = clientFD
			return &t.slots[i], true
		}
	}
	return nil, false
}

// ShutdownIn ends the upstream-to-client direction: sets InEOF, and once
// InBuf has drained, half-closes the client's write side. A session that is
// still handshaking, or that has fully drained both directions, is torn
// down completely.
func ShutdownIn(s *Slot) {
	s.InEOF = true
	if s.InLen == 0 && s.ClientFD != noFD {
		_ = unix.Shutdown(s.ClientFD, unix.SHUT_WR)
	}
	if s.Handshaking || (s.InLen == 0 && s.OutLen == 0 && s.OutEOF) {
		ShutdownAll(s)
	}
}

// ShutdownOut ends the client-to-upstream direction; symmetric with
// ShutdownIn.
func ShutdownOut(s *Slot) {
	s.OutEOF = true
	if s.OutLen == 0 && s.UpstreamFD != noFD {
		_ = unix.Shutdown(s.UpstreamFD, unix.SHUT_WR)
	}
	if s.Handshaking || (s.OutLen == 0 && s.InLen == 0 && s.InEOF) {
		ShutdownAll(s)
	}
}

// ShutdownAll hard-closes both sockets and frees the slot.
func ShutdownAll(s *Slot) {
	if s.ClientFD != noFD {
		_ = unix.Shutdown(s.ClientFD, unix.SHUT_RDWR)
		if err := unix.Close(s.ClientFD); err != nil {
			log.Printf("[slot] close client fd %d: %v", s.ClientFD, err)
		}
		s.ClientFD = noFD
	}
	if s.UpstreamFD != noFD {
		_ = unix.Shutdown(s.UpstreamFD, unix.SHUT_RDWR)
		if err := unix.Close(s.UpstreamFD); err != nil {
			log.Printf("[slot] close upstream fd %d: %v", s.UpstreamFD, err)
		}
		s.UpstreamFD = noFD
	}
}

// RejectAccept hard-closes a connection that could not be installed into a
// slot, per spec.md §4.4 step 3.
func RejectAccept(fd int) {
	_ = unix.Shutdown(fd, unix.SHUT_RDWR)
	if err := unix.Close(fd); err != nil {
		log.Printf("[slot] close rejected fd %d: %v", fd, err)
	}
}
