package comm

import (
	"sync"

	"github.com/pkg/errors"
)

// group is the shared state behind an in-process SPMD group. Members run one
// goroutine per rank; collectives rendezvous on a generation-counted barrier.
type group struct {
	n int

	mu      sync.Mutex
	cond    *sync.Cond
	arrived int
	gen     uint64

	sum   []float64
	fault error

	out      []float64
	outFault error
}

// Member is one rank's handle on an in-process group.
type Member struct {
	g    *group
	rank int
}

// NewGroup creates an in-process process group with n ranks and returns one
// Member per rank. Every member must take part in every collective, in the
// same order, or the group deadlocks; this is the same contract MPI imposes.
func NewGroup(n int) []*Member {
	g := &group{n: n}
	g.cond = sync.NewCond(&g.mu)
	members := make([]*Member, n)
	for i := range members {
		members[i] = &Member{g: g, rank: i}
	}
	return members
}

// Rank implements Communicator.
func (m *Member) Rank() int { return m.rank }

// Size implements Communicator.
func (m *Member) Size() int { return m.g.n }

// AllReduce implements Communicator.
func (m *Member) AllReduce(vals []float64, fault error) ([]float64, error) {
	g := m.g
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.arrived == 0 {
		g.sum = make([]float64, len(vals))
		g.fault = nil
	}
	if len(vals) != len(g.sum) {
		// A length mismatch means ranks diverged on which collective they
		// are in; surface it rather than corrupting the reduction.
		g.fault = errors.Errorf("comm: rank %d reduced %d values, expected %d",
			m.rank, len(vals), len(g.sum))
	} else {
		for i, v := range vals {
			g.sum[i] += v
		}
	}
	if fault != nil && g.fault == nil {
		g.fault = fault
	}

	g.arrived++
	if g.arrived == g.n {
		g.out = g.sum
		g.outFault = g.fault
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
	} else {
		myGen := g.gen
		for g.gen == myGen {
			g.cond.Wait()
		}
	}

	out := make([]float64, len(g.out))
	copy(out, g.out)
	return out, g.outFault
}

// Bcast implements Communicator.
func (m *Member) Bcast(vals []float64, root int) ([]float64, error) {
	g := m.g
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.arrived == 0 {
		g.sum = nil
		g.fault = nil
	}
	if m.rank == root {
		g.sum = make([]float64, len(vals))
		copy(g.sum, vals)
	}

	g.arrived++
	if g.arrived == g.n {
		g.out = g.sum
		g.outFault = g.fault
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
	} else {
		myGen := g.gen
		for g.gen == myGen {
			g.cond.Wait()
		}
	}

	out := make([]float64, len(g.out))
	copy(out, g.out)
	return out, g.outFault
}
