//go:build linux

package loop

import (
	"fmt"
	"log"
	"net"

	"golang.org/x/sys/unix"

	"torforward/internal/handshake"
	"torforward/internal/session"
	"torforward/internal/sockopt"
)

// Loop is the epoll-backed readiness multiplexer. It is not safe for
// concurrent use — spec.md §5 mandates a single thread.
type Loop struct {
	epfd     int
	listenFD int
	table    *session.Table
	machine  *handshake.Machine

	fdSlot     map[int]fdRef
	registered map[int]uint32

	lastClientFD   []int
	lastUpstreamFD []int
}

// New binds the listener and creates the epoll instance. It does not start
// serving; call Run for that.
func New(cfg Config) (*Loop, error) {
	if cfg.Sessions <= 0 {
		cfg.Sessions = 9
	}
	host := cfg.ListenHost
	if host == "" {
		host = "127.0.0.1"
	}
	listenIP := net.ParseIP(host).To4()
	if listenIP == nil {
		return nil, fmt.Errorf("listen host %q is not a dotted IPv4 address", host)
	}

	listenFD, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := sockopt.ApplyListener(listenFD); err != nil {
		unix.Close(listenFD)
		return nil, fmt.Errorf("setsockopt: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: int(cfg.ListenPort)}
	copy(addr.Addr[:], listenIP)
	if err := unix.Bind(listenFD, addr); err != nil {
		unix.Close(listenFD)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(listenFD, 5); err != nil {
		unix.Close(listenFD)
		return nil, fmt.Errorf("listen: %w", err)
	}
	if err := unix.SetNonblock(listenFD, true); err != nil {
		unix.Close(listenFD)
		return nil, fmt.Errorf("setnonblock: %w", err)
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(listenFD)
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	l := &Loop{
		epfd:           epfd,
		listenFD:       listenFD,
		table:          session.NewTable(cfg.Sessions),
		fdSlot:         make(map[int]fdRef),
		registered:     make(map[int]uint32),
		lastClientFD:   make([]int, cfg.Sessions),
		lastUpstreamFD: make([]int, cfg.Sessions),
	}
	for i := range l.lastClientFD {
		l.lastClientFD[i] = -1
		l.lastUpstreamFD[i] = -1
	}
	l.machine = handshake.New(cfg.Handshake, l.registerUpstream)

	if err := l.ensureRegistered(listenFD, 0); err != nil {
		l.Close()
		return nil, fmt.Errorf("epoll_ctl listener: %w", err)
	}

	return l, nil
}

// Port returns the listener's bound TCP port, useful when Config.ListenPort
// is 0 and the kernel chose an ephemeral port (as tests do).
func (l *Loop) Port() (uint16, error) {
	sa, err := unix.Getsockname(l.listenFD)
	if err != nil {
		return 0, err
	}
	v4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("unexpected sockaddr type %T", sa)
	}
	return uint16(v4.Port), nil
}

// Close releases the listener and epoll fd. Active sessions are left to the
// caller; Run never returns except on a fatal environment error, so Close is
// primarily for tests.
func (l *Loop) Close() {
	unix.Close(l.listenFD)
	unix.Close(l.epfd)
}

// Run blocks forever, servicing readiness events. It only returns on a
// fatal environment error (spec.md §7's "Fatal environment" class), which
// the caller should treat as cause for process exit.
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, 2*len(l.lastClientFD)+1)
	for {
		if err := l.tick(events); err != nil {
			return err
		}
	}
}

// tick runs exactly one iteration of spec.md §4.4's four steps.
func (l *Loop) tick(events []unix.EpollEvent) error {
	if err := l.computeInterest(); err != nil {
		return fmt.Errorf("epoll_ctl: %w", err)
	}

	n, err := unix.EpollWait(l.epfd, events, -1)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("epoll_wait: %w", err)
	}

	listenerReady := false
	type ready struct {
		ref fdRef
		in  bool
		out bool
	}
	readySlots := make([]ready, 0, n)

	for i := 0; i < n; i++ {
		ev := events[i]
		fd := int(ev.Fd)
		if fd == l.listenFD {
			if ev.Events&unix.EPOLLIN != 0 {
				listenerReady = true
			}
			continue
		}
		ref, ok := l.fdSlot[fd]
		if !ok {
			continue
		}
		readySlots = append(readySlots, ready{
			ref: ref,
			in:  ev.Events&unix.EPOLLIN != 0,
			out: ev.Events&unix.EPOLLOUT != 0,
		})
	}

	if listenerReady {
		l.acceptOne()
	}

	// Reads before writes, per spec.md §4.4 step 4. epoll reports fds in
	// no particular order, so the ready set is first put in slot-index
	// order, a slot's client fd ahead of its upstream fd.
	ordered := make([]ready, 0, len(readySlots))
	for i := 0; i < l.table.Len(); i++ {
		s := l.table.Slot(i)
		for _, client := range [2]bool{true, false} {
			for _, r := range readySlots {
				if r.ref.slot == s && r.ref.isClient == client {
					ordered = append(ordered, r)
				}
			}
		}
	}
	readySlots = ordered

	for _, r := range readySlots {
		if r.in {
			if r.ref.isClient {
				l.readClient(r.ref.slot)
			} else {
				l.readUpstream(r.ref.slot)
			}
		}
	}
	for _, r := range readySlots {
		if r.out {
			if r.ref.isClient {
				l.writeClient(r.ref.slot)
			} else {
				l.writeUpstream(r.ref.slot)
			}
		}
	}

	l.reapClosedFDs()
	return nil
}

// computeInterest recomputes every live socket's epoll interest bitmask from
// current slot state, per spec.md §4.4 step 1.
func (l *Loop) computeInterest() error {
	listenerEvents := uint32(0)
	if l.table.HasFree() {
		listenerEvents = unix.EPOLLIN
	}
	if err := l.ensureRegistered(l.listenFD, listenerEvents); err != nil {
		return err
	}

	for i := 0; i < l.table.Len(); i++ {
		s := l.table.Slot(i)

		if s.ClientFD >= 0 {
			var ev uint32
			if len(freeTail(s.OutBuf[:], s.OutLen)) > 0 && !s.OutEOF {
				ev |= unix.EPOLLIN
			}
			if s.InLen > 0 && !s.Handshaking {
				ev |= unix.EPOLLOUT
			}
			if err := l.ensureRegistered(s.ClientFD, ev); err != nil {
				return err
			}
			l.fdSlot[s.ClientFD] = fdRef{slot: s, isClient: true}
		}
		l.lastClientFD[i] = s.ClientFD

		if s.UpstreamFD >= 0 {
			var ev uint32
			if len(freeTail(s.InBuf[:], s.InLen)) > 0 && !s.InEOF {
				ev |= unix.EPOLLIN
			}
			if s.OutLen > 0 && !s.Handshaking {
				ev |= unix.EPOLLOUT
			}
			if err := l.ensureRegistered(s.UpstreamFD, ev); err != nil {
				return err
			}
			l.fdSlot[s.UpstreamFD] = fdRef{slot: s, isClient: false}
		}
		l.lastUpstreamFD[i] = s.UpstreamFD
	}
	return nil
}

// reapClosedFDs drops bookkeeping for fds a shutdown closed since the last
// tick. The kernel already deregistered them from epoll when they closed;
// this only cleans up our own maps.
func (l *Loop) reapClosedFDs() {
	for i := 0; i < l.table.Len(); i++ {
		s := l.table.Slot(i)
		if l.lastClientFD[i] >= 0 && s.ClientFD != l.lastClientFD[i] {
			delete(l.fdSlot, l.lastClientFD[i])
			delete(l.registered, l.lastClientFD[i])
		}
		if l.lastUpstreamFD[i] >= 0 && s.UpstreamFD != l.lastUpstreamFD[i] {
			delete(l.fdSlot, l.lastUpstreamFD[i])
			delete(l.registered, l.lastUpstreamFD[i])
		}
	}
}

func freeTail(buf []byte, used int) []byte {
	if used >= len(buf) {
		return nil
	}
	return buf[used:]
}

func (l *Loop) ensureRegistered(fd int, events uint32) error {
	if fd < 0 {
		return nil
	}
	cur, ok := l.registered[fd]
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if !ok {
		if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return err
		}
		l.registered[fd] = events
		return nil
	}
	if cur == events {
		return nil
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return err
	}
	l.registered[fd] = events
	return nil
}

// registerUpstream is handshake.RegisterUpstream: called synchronously the
// instant a session's upstream socket connects.
func (l *Loop) registerUpstream(s *session.Slot, fd int) error {
	if err := sockopt.ApplyConn(fd); err != nil {
		log.Printf("[loop] upstream setsockopt: %v", err)
	}
	return l.ensureRegistered(fd, unix.EPOLLIN)
}

// acceptOne accepts exactly one pending connection, per spec.md §4.4 step 3.
func (l *Loop) acceptOne() {
	fd, _, err := unix.Accept4(l.listenFD, unix.SOCK_NONBLOCK)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		log.Printf("[loop] accept: %v", err)
		return
	}
	if err := sockopt.ApplyConn(fd); err != nil {
		log.Printf("[loop] client setsockopt: %v", err)
	}
	if _, ok := l.table.Acquire(fd); !ok {
		log.Printf("[loop] no free slot, rejecting accept")
		session.RejectAccept(fd)
	}
}
