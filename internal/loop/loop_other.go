//go:build !linux

package loop

import "errors"

// Loop is unimplemented on non-Linux platforms: the readiness primitive
// spec.md §4.4 requires (a poll-style API with no descriptor-count limit)
// is wired here through epoll, which is Linux-only.
type Loop struct{}

// New always fails on non-Linux platforms.
func New(cfg Config) (*Loop, error) {
	return nil, errors.New("loop: epoll-backed readiness loop is only implemented on linux")
}

// Run always fails on non-Linux platforms.
func (l *Loop) Run() error {
	return errors.New("loop: epoll-backed readiness loop is only implemented on linux")
}

// Close is a no-op.
func (l *Loop) Close() {}
