// Package circuit generates the synthetic SOCKS5 username/password the
// forwarder presents to the upstream proxy, rotating it after an idle
// threshold so a Tor-style proxy builds one isolated circuit per burst of
// traffic but does not churn circuits under continuous use.
package circuit

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// DefaultRotateInterval is ROTATE_SECONDS from the design: the minimum idle
// gap, measured between successive calls to Current, that forces a fresh
// circuit ID.
const DefaultRotateInterval = 60 * time.Second

// Generator produces 32-bit circuit IDs. The zero value is not usable;
// construct one with New.
//
// Generator is not safe for concurrent use; the forwarder's single-threaded
// readiness loop is its only caller.
type Generator struct {
	rotateAfter time.Duration
	now         func() time.Time

	have  bool
	value uint32
	last  time.Time
}

// New returns a Generator that rotates after rotateAfter of inactivity. A
// zero rotateAfter uses DefaultRotateInterval.
func New(rotateAfter time.Duration) *Generator {
	if rotateAfter <= 0 {
		rotateAfter = DefaultRotateInterval
	}
	return &Generator{rotateAfter: rotateAfter, now: time.Now}
}

// Current returns the active circuit ID. If no ID has ever been produced, or
// the monotonic clock has advanced by at least the rotation interval since
// the last call, a fresh cryptographically-random ID is generated and
// stored. Otherwise the stored ID is returned unchanged.
//
// The stored timestamp is refreshed on every call, not only on rotation:
// a continuously-used session can indefinitely delay rotation. That is
// intentional (stable circuits under load) and must be preserved by any
// reimplementation.
func (g *Generator) Current() uint32 {
	now := g.now()
	if !g.have || now.Sub(g.last) >= g.rotateAfter {
		g.value = mustRandomUint32()
		g.have = true
	}
	g.last = now
	return g.value
}

func mustRandomUint32() uint32 {
	var buf [4]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		panic(fmt.Sprintf("circuit: cannot read random bytes: %v", err))
	}
	return binary.BigEndian.Uint32(buf[:])
}

// Credentials renders id as the 8-byte synthetic username/password pair the
// upstream proxy sees: the low 16 bits as a 4-byte username, the high 16
// bits as a 4-byte password, each byte a lowercase letter 'a'+nibble with
// the least-significant nibble first.
func Credentials(id uint32) (user, pass [4]byte) {
	user = [4]byte{
		'a' + byte(id&0xf),
		'a' + byte((id>>4)&0xf),
		'a' + byte((id>>8)&0xf),
		'a' + byte((id>>12)&0xf),
	}
	pass = [4]byte{
		'a' + byte((id>>16)&0xf),
		'a' + byte((id>>20)&0xf),
		'a' + byte((id>>24)&0xf),
		'a' + byte((id>>28)&0xf),
	}
	return user, pass
}
