// Package comm abstracts the process group a simulation runs in. Population
// control and estimator flushes go through collective reductions on a
// Communicator; fatal local conditions ride along with the reduction payload
// so every rank observes the same failure at the same collective call and no
// rank blocks on a peer that already gave up.
package comm

// Communicator is the process-group interface injected into the driver.
type Communicator interface {
	// Rank is this participant's id, in [0, Size).
	Rank() int
	// Size is the number of participants.
	Size() int
	// AllReduce element-wise sums vals across all ranks and returns the sum
	// on every rank. A non-nil fault marks this rank as failed; the first
	// fault contributed by any rank is returned to all of them.
	AllReduce(vals []float64, fault error) ([]float64, error)
	// Bcast distributes root's vals to every rank.
	Bcast(vals []float64, root int) ([]float64, error)
}

// Single is the direct in-process path used when a run has one participant.
type Single struct{}

// Rank implements Communicator.
func (Single) Rank() int { return 0 }

// Size implements Communicator.
func (Single) Size() int { return 1 }

// AllReduce implements Communicator.
func (Single) AllReduce(vals []float64, fault error) ([]float64, error) {
	out := make([]float64, len(vals))
	copy(out, vals)
	return out, fault
}

// Bcast implements Communicator.
func (Single) Bcast(vals []float64, root int) ([]float64, error) {
	out := make([]float64, len(vals))
	copy(out, vals)
	return out, nil
}
