package comm

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleAllReduce(t *testing.T) {
	c := Single{}
	assert.Equal(t, 0, c.Rank())
	assert.Equal(t, 1, c.Size())
	out, err := c.AllReduce([]float64{1.5, -2}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, -2}, out)
}

func TestSingleFaultReturned(t *testing.T) {
	boom := errors.New("boom")
	_, err := Single{}.AllReduce([]float64{1}, boom)
	assert.Equal(t, boom, err)
}

func TestGroupAllReduceSums(t *testing.T) {
	const n = 4
	members := NewGroup(n)
	sums := make([][]float64, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for rank, m := range members {
		wg.Add(1)
		go func(rank int, m *Member) {
			defer wg.Done()
			sums[rank], errs[rank] = m.AllReduce([]float64{float64(rank), 1}, nil)
		}(rank, m)
	}
	wg.Wait()
	for rank := 0; rank < n; rank++ {
		require.NoError(t, errs[rank])
		assert.Equal(t, []float64{6, 4}, sums[rank], "rank %d", rank)
	}
}

func TestGroupFaultReachesEveryRank(t *testing.T) {
	const n = 3
	boom := errors.New("walker famine")
	members := NewGroup(n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for rank, m := range members {
		wg.Add(1)
		go func(rank int, m *Member) {
			defer wg.Done()
			var fault error
			if rank == 1 {
				fault = boom
			}
			_, errs[rank] = m.AllReduce([]float64{1}, fault)
		}(rank, m)
	}
	wg.Wait()
	for rank := 0; rank < n; rank++ {
		assert.Equal(t, boom, errs[rank], "rank %d", rank)
	}
}

func TestGroupLengthMismatchIsFault(t *testing.T) {
	const n = 2
	members := NewGroup(n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for rank, m := range members {
		wg.Add(1)
		go func(rank int, m *Member) {
			defer wg.Done()
			vals := []float64{1}
			if rank == 1 {
				vals = []float64{1, 2}
			}
			_, errs[rank] = m.AllReduce(vals, nil)
		}(rank, m)
	}
	wg.Wait()
	for rank := 0; rank < n; rank++ {
		assert.Error(t, errs[rank], "rank %d", rank)
	}
}

func TestGroupBcast(t *testing.T) {
	const n = 3
	members := NewGroup(n)
	outs := make([][]float64, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for rank, m := range members {
		wg.Add(1)
		go func(rank int, m *Member) {
			defer wg.Done()
			vals := []float64{float64(10 * rank)}
			outs[rank], errs[rank] = m.Bcast(vals, 2)
		}(rank, m)
	}
	wg.Wait()
	for rank := 0; rank < n; rank++ {
		require.NoError(t, errs[rank])
		assert.Equal(t, []float64{20}, outs[rank], "rank %d", rank)
	}
}

func TestGroupReusableAcrossCollectives(t *testing.T) {
	const n = 2
	const rounds = 50
	members := NewGroup(n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for rank, m := range members {
		wg.Add(1)
		go func(rank int, m *Member) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				out, err := m.AllReduce([]float64{float64(i)}, nil)
				if err != nil {
					errs[rank] = err
					return
				}
				if out[0] != float64(n*i) {
					errs[rank] = errors.Errorf("round %d: got %v", i, out)
					return
				}
			}
		}(rank, m)
	}
	wg.Wait()
	for rank := 0; rank < n; rank++ {
		require.NoError(t, errs[rank])
	}
}
