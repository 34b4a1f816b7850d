// Package loop implements the single-threaded, readiness-multiplexed event
// loop described in spec.md §4.4: one thread, no goroutines per connection,
// blocking only in the readiness wait. It owns the session slot table, the
// four per-session I/O handlers (spec.md §4.5), and the epoll registration
// bookkeeping that keeps each live socket's interest bits in sync with its
// slot's buffer/EOF/handshaking state every tick.
package loop

import (
	"torforward/internal/handshake"
	"torforward/internal/session"
)

// Config configures a Loop.
type Config struct {
	ListenHost string // dotted IPv4 address; defaults to 127.0.0.1 per spec.md §6
	ListenPort uint16
	Sessions   int // N, the fixed slot-table size
	Handshake  handshake.Config
}

// fdRef resolves a ready epoll fd back to its slot and direction.
type fdRef struct {
	slot     *session.Slot
	isClient bool
}
