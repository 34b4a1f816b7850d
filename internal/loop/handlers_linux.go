//go:build linux

package loop

import (
	"log"

	"golang.org/x/sys/unix"

	"torforward/internal/session"
)

// readClient is spec.md §4.5's read-client: non-blocking receive into the
// free tail of OutBuf, growing OutLen on success and driving the client-side
// handshake machine while s.Handshaking is true.
func (l *Loop) readClient(s *session.Slot) {
	tail := freeTail(s.OutBuf[:], s.OutLen)
	if len(tail) == 0 || s.OutEOF {
		return
	}
	n, err := unix.Read(s.ClientFD, tail)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return
		}
		log.Printf("[loop] read-client: %v", err)
		session.ShutdownOut(s)
		return
	}
	if n == 0 {
		session.ShutdownOut(s)
		return
	}
	s.OutLen += n
	if s.Handshaking {
		l.machine.OnClientReadable(s)
	}
}

// readUpstream is spec.md §4.5's read-upstream.
func (l *Loop) readUpstream(s *session.Slot) {
	tail := freeTail(s.InBuf[:], s.InLen)
	if len(tail) == 0 || s.InEOF {
		return
	}
	n, err := unix.Read(s.UpstreamFD, tail)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return
		}
		log.Printf("[loop] read-upstream: %v", err)
		session.ShutdownIn(s)
		return
	}
	if n == 0 {
		session.ShutdownIn(s)
		return
	}
	s.InLen += n
	if s.Handshaking {
		l.machine.OnUpstreamReadable(s)
	}
}

// writeClient is spec.md §4.5's write-client: drains InBuf to the client.
// It never runs while s.Handshaking is true — the handshake machine owns
// both sockets' output during handshaking, and computeInterest never marks
// a handshaking session's sockets write-interesting.
func (l *Loop) writeClient(s *session.Slot) {
	if s.InLen > 0 {
		n, err := unix.Write(s.ClientFD, s.InBuf[:s.InLen])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				return
			}
			log.Printf("[loop] write-client: %v", err)
			s.InLen = 0
			session.ShutdownIn(s)
			return
		}
		s.ConsumeIn(n)
	}
	if s.InEOF && s.InLen == 0 {
		session.ShutdownIn(s)
	}
}

// writeUpstream is spec.md §4.5's write-upstream; symmetric with
// writeClient.
func (l *Loop) writeUpstream(s *session.Slot) {
	if s.OutLen > 0 {
		n, err := unix.Write(s.UpstreamFD, s.OutBuf[:s.OutLen])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				return
			}
			log.Printf("[loop] write-upstream: %v", err)
			s.OutLen = 0
			session.ShutdownOut(s)
			return
		}
		s.ConsumeOut(n)
	}
	if s.OutEOF && s.OutLen == 0 {
		session.ShutdownOut(s)
	}
}
