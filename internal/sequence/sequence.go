// Package sequence assigns the ordering IDs stamped onto bus messages.
// In a multi-node deployment every process draws from one shared counter in
// the relay medium, so IDs are unique and strictly increasing across the
// whole system; single-node deployments use the process-local fallback.
package sequence

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
)

// Sequencer hands out the next ordering ID.
type Sequencer interface {
	Next(ctx context.Context) (int64, error)
}

// Incrementer is the one primitive the shared generator needs from the
// medium: an atomic increment of a named counter, returning the new value.
// The transport connection satisfies it with Redis INCR.
type Incrementer interface {
	Incr(ctx context.Context, key string) (int64, error)
}

// IncrFunc adapts a plain function to the Incrementer interface.
type IncrFunc func(ctx context.Context, key string) (int64, error)

// Incr calls f.
func (f IncrFunc) Incr(ctx context.Context, key string) (int64, error) {
	return f(ctx, key)
}

// Sequence is a Sequencer backed by a shared counter. The counter only
// moves forward, even across process restarts, so no ID is ever handed out
// twice deployment-wide.
type Sequence struct {
	inc Incrementer
	key string
}

// New returns a Sequence drawing from the named counter via inc.
func New(inc Incrementer, key string) *Sequence {
	return &Sequence{inc: inc, key: key}
}

// Next reserves and returns the next ID. The caller's context bounds the
// round trip to the medium; on error no ID is consumed from the caller's
// point of view and the message being stamped must be dropped, not retried
// with a guessed ID.
func (s *Sequence) Next(ctx context.Context) (int64, error) {
	id, err := s.inc.Incr(ctx, s.key)
	if err != nil {
		return 0, fmt.Errorf("sequence: next id: %w", err)
	}
	return id, nil
}

// Local is a process-local Sequencer for single-node mode. IDs are strictly
// increasing within the process and restart from 1 with it.
type Local struct {
	n atomic.Int64
}

// Next returns the next local ID. It never fails.
func (l *Local) Next(context.Context) (int64, error) {
	return l.n.Add(1), nil
}

// FormatID renders an ID in the form it travels through the host protocol.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseID is the inverse of FormatID. It rejects anything FormatID cannot
// have produced: non-numeric input, values out of int64 range, negatives.
func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sequence: parse id %q: %w", s, err)
	}
	if id < 0 {
		return 0, fmt.Errorf("sequence: parse id %q: negative", s)
	}
	return id, nil
}
