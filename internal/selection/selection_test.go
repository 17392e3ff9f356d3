package selection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrategiesRejectEmptySet(t *testing.T) {
	strategies := map[string]Strategy[string]{
		"random":      Random[string]{},
		"fixed":       Fixed[string]{},
		"round_robin": &RoundRobin[string]{},
	}
	for name, s := range strategies {
		t.Run(name, func(t *testing.T) {
			_, err := s.Select(nil)
			assert.ErrorIs(t, err, ErrEmpty)
		})
	}
}

func TestRandomReturnsMember(t *testing.T) {
	items := []string{"a", "b", "c"}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		got, err := Random[string]{}.Select(items)
		require.NoError(t, err)
		assert.Contains(t, items, got)
		seen[got] = true
	}
	assert.Len(t, seen, 3, "200 draws should hit every member")
}

func TestFixedAlwaysFirst(t *testing.T) {
	for i := 0; i < 5; i++ {
		got, err := Fixed[int]{}.Select([]int{7, 8, 9})
		require.NoError(t, err)
		assert.Equal(t, 7, got)
	}
}

func TestRoundRobinCycles(t *testing.T) {
	rr := &RoundRobin[string]{}
	items := []string{"t1", "t2", "t3"}
	var got []string
	for i := 0; i < 6; i++ {
		v, err := rr.Select(items)
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []string{"t1", "t2", "t3", "t1", "t2", "t3"}, got)
}
