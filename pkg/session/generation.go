package session

import "sync/atomic"

// Generation is a session's cancellation counter. Every synthesis chunk is
// tagged with the value current when its turn started, and emission stops as
// soon as the counter has moved past that value.
//
// The zero value is ready to use.
type Generation struct {
	v atomic.Uint64
}

// Load returns the current generation.
func (g *Generation) Load() uint64 {
	return g.v.Load()
}

// Advance increments the generation and returns the new value. It is called
// exactly once per detected barge-in.
func (g *Generation) Advance() uint64 {
	return g.v.Add(1)
}

// Stale reports whether work captured at generation captured must be dropped.
func (g *Generation) Stale(captured uint64) bool {
	return g.v.Load() > captured
}
