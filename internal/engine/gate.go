package engine

import (
	"context"
	"sync"
	"sync/atomic"
)

// Stats reports gate usage.
type Stats struct {
	// Submissions is the number of statements run through the gate.
	Submissions int64
	// InFlight is the number of statements running right now (0 or 1).
	InFlight int64
	// Peak is the highest InFlight ever observed.
	Peak int64
}

// Gate serializes statement submission to one connection.
type Gate struct {
	mu          sync.Mutex
	inFlight    atomic.Int64
	peak        atomic.Int64
	submissions atomic.Int64
}

// Do runs fn holding the gate.
func (g *Gate) Do(fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	g.submissions.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}

	return fn()
}

// Stats returns a snapshot of the gate counters.
func (g *Gate) Stats() Stats {
	return Stats{
		Submissions: g.submissions.Load(),
		InFlight:    g.inFlight.Load(),
		Peak:        g.peak.Load(),
	}
}

// Serialize wraps q so that its submissions go through one Gate. Use it for
// Querier implementations that are not safe for concurrent use.
func Serialize(q Querier) *Serialized {
	return &Serialized{q: q}
}

// Serialized is a Querier guarded by a Gate.
type Serialized struct {
	q    Querier
	gate Gate
}

var _ Querier = (*Serialized)(nil)

// CopyTo implements Querier.
func (s *Serialized) CopyTo(ctx context.Context, query, path string) error {
	return s.gate.Do(func() error { return s.q.CopyTo(ctx, query, path) })
}

// QueryRows implements Querier.
func (s *Serialized) QueryRows(ctx context.Context, query string, fn RowFunc) error {
	return s.gate.Do(func() error { return s.q.QueryRows(ctx, query, fn) })
}

// QueryScalar implements Querier.
func (s *Serialized) QueryScalar(ctx context.Context, query string, dest any) error {
	return s.gate.Do(func() error { return s.q.QueryScalar(ctx, query, dest) })
}

// Stats returns the gate counters.
func (s *Serialized) Stats() Stats { return s.gate.Stats() }
