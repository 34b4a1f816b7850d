package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentStableWithinWindow(t *testing.T) {
	clock := time.Now()
	g := New(60 * time.Second)
	g.now = func() time.Time { return clock }

	first := g.Current()
	clock = clock.Add(30 * time.Second)
	second := g.Current()

	assert.Equal(t, first, second)
}

func TestCurrentRotatesAfterGap(t *testing.T) {
	clock := time.Now()
	g := New(60 * time.Second)
	g.now = func() time.Time { return clock }

	first := g.Current()
	clock = clock.Add(61 * time.Second)
	second := g.Current()

	assert.NotEqual(t, first, second, "a gap past the rotation interval must mint a fresh circuit")
}

func TestCurrentContinuousUseDelaysRotation(t *testing.T) {
	clock := time.Now()
	g := New(60 * time.Second)
	g.now = func() time.Time { return clock }

	id := g.Current()
	for i := 0; i < 10; i++ {
		clock = clock.Add(50 * time.Second)
		got := g.Current()
		require.Equal(t, id, got, "calls inside the rotation window must refresh the timestamp and keep the same ID")
	}
}

func TestCredentialsLayout(t *testing.T) {
	// id = 0x04030201: low 16 bits = 0x0201, high 16 bits = 0x0403
	user, pass := Credentials(0x04030201)
	assert.Equal(t, [4]byte{'a' + 1, 'a' + 0, 'a' + 2, 'a' + 0}, user)
	assert.Equal(t, [4]byte{'a' + 3, 'a' + 0, 'a' + 4, 'a' + 0}, pass)
}

func TestCredentialsAllBitsSet(t *testing.T) {
	user, pass := Credentials(0xFFFFFFFF)
	for _, b := range user {
		assert.Equal(t, byte('a'+15), b)
	}
	for _, b := range pass {
		assert.Equal(t, byte('a'+15), b)
	}
}
