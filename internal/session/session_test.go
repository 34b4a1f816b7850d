package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireFreeSlot(t *testing.T) {
	tbl := NewTable(2)
	assert.True(t, tbl.HasFree())

	s1, ok := tbl.Acquire(10)
	require.True(t, ok)
	assert.Equal(t, 10, s1.ClientFD)
	assert.Equal(t, noFD, s1.UpstreamFD)
	assert.True(t, s1.Handshaking)
	assert.Equal(t, 0, s1.OutLen)
	assert.Equal(t, 0, s1.InLen)

	s2, ok := tbl.Acquire(11)
	require.True(t, ok)
	assert.NotEqual(t, s1, s2)

	assert.False(t, tbl.HasFree())
	_, ok = tbl.Acquire(12)
	assert.False(t, ok, "a full table must reject the accept")
}

func TestSlotFreedAfterShutdownHasClearedFlags(t *testing.T) {
	tbl := NewTable(1)
	s, ok := tbl.Acquire(5)
	require.True(t, ok)
	s.Handshaking = false
	s.OutEOF = true
	s.InEOF = true

	ShutdownAll(s)

	assert.Equal(t, noFD, s.ClientFD)
	assert.Equal(t, noFD, s.UpstreamFD)

	// a re-Acquire on the now-free slot must observe a clean state
	s2, ok := tbl.Acquire(6)
	require.True(t, ok)
	assert.Equal(t, 0, s2.OutLen)
	assert.Equal(t, 0, s2.InLen)
	assert.False(t, s2.OutEOF)
	assert.False(t, s2.InEOF)
}

func TestConsumeOutShiftsTail(t *testing.T) {
	s := &Slot{}
	copy(s.OutBuf[:], []byte("hello world"))
	s.OutLen = len("hello world")

	s.ConsumeOut(6)

	assert.Equal(t, len("world"), s.OutLen)
	assert.Equal(t, "world", string(s.OutBuf[:s.OutLen]))
}

func TestConsumeInShiftsTail(t *testing.T) {
	s := &Slot{}
	copy(s.InBuf[:], []byte("abcdef"))
	s.InLen = 6

	s.ConsumeIn(2)

	assert.Equal(t, 4, s.InLen)
	assert.Equal(t, "cdef", string(s.InBuf[:s.InLen]))
}

func TestShutdownInHalfCloseThenFullTeardown(t *testing.T) {
	tbl := NewTable(1)
	s, ok := tbl.Acquire(1)
	require.True(t, ok)
	s.UpstreamFD = 2
	s.Handshaking = false
	s.OutEOF = true // client->upstream already drained and closed

	// InBuf is empty, so ShutdownIn should cascade straight to full teardown
	// because the out side is also fully drained and closed.
	s.ClientFD = -1 // avoid a real syscall on a fake fd
	s.UpstreamFD = -1
	ShutdownIn(s)

	assert.Equal(t, noFD, s.ClientFD)
}

func TestShutdownStillHandshakingTearsDownWhole(t *testing.T) {
	tbl := NewTable(1)
	s, ok := tbl.Acquire(1)
	require.True(t, ok)
	s.ClientFD = -1
	s.UpstreamFD = -1
	require.True(t, s.Handshaking)

	ShutdownOut(s)

	assert.Equal(t, noFD, s.ClientFD)
	assert.Equal(t, noFD, s.UpstreamFD)
}
