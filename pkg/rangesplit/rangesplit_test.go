package rangesplit

import (
	"sync/atomic"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestTokenRangeUnwrap(t *testing.T) {
	cases := []struct {
		name string
		in   TokenRange
		want []TokenRange
	}{
		{"non-wrapping", TokenRange{Left: 10, Right: 20}, []TokenRange{{Left: 10, Right: 20}}},
		{"wrapping", TokenRange{Left: 90, Right: 5}, []TokenRange{{Left: 90, Right: MaxToken}, {Left: MinToken, Right: 5}}},
		{"equal bounds wraps", TokenRange{Left: 5, Right: 5}, []TokenRange{{Left: 5, Right: MaxToken}, {Left: MinToken, Right: 5}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.in.unwrap())
		})
	}
}

func TestNewNormalizesAndSorts(t *testing.T) {
	input := []ReplicaRange{
		{Range: TokenRange{Left: 50, Right: 60}, Transient: false},
		{Range: TokenRange{Left: 90, Right: 5}, Transient: true}, // wraps, splits into two
	}
	s := New(1, input, nil, nil)
	ranges := s.Ranges()

	require.Len(t, ranges, 3)
	for i := 1; i < len(ranges); i++ {
		require.LessOrEqual(t, ranges[i-1].Range.Left, ranges[i].Range.Left)
	}
	for _, wr := range ranges {
		if wr.Range.Left == 90 || wr.Range.Right == 5 {
			require.Equal(t, TransientWeight, wr.Weight)
		} else {
			require.Equal(t, FullWeight, wr.Weight)
		}
	}
}

func TestIsOutOfDate(t *testing.T) {
	live := &atomic.Uint64{}
	live.Store(1)
	s := New(1, nil, nil, live)
	require.False(t, s.IsOutOfDate())

	live.Store(2)
	require.True(t, s.IsOutOfDate())
}

func TestInvalidateIsOneShotAndMonotonic(t *testing.T) {
	s := New(1, nil, nil, nil)
	require.False(t, s.IsOutOfDate())
	s.Invalidate()
	require.True(t, s.IsOutOfDate())
	s.Invalidate() // second call is a no-op
	require.True(t, s.IsOutOfDate())
}

func TestSplitFallsBackToRightEndpointsWithoutSplitter(t *testing.T) {
	input := []ReplicaRange{
		{Range: TokenRange{Left: 0, Right: 10}},
		{Range: TokenRange{Left: 10, Right: 20}},
		{Range: TokenRange{Left: 20, Right: 30}},
	}
	s := New(1, input, nil, nil)

	boundaries := s.Split(4)
	require.Equal(t, []Token{10, 20, 30}, boundaries)
}

func TestSplitIsCachedPerNumParts(t *testing.T) {
	input := []ReplicaRange{{Range: TokenRange{Left: 0, Right: 100}}}
	s := New(1, input, nil, nil)

	first := s.Split(2)
	second := s.Split(2)
	require.Equal(t, first, second)

	s.mu.Lock()
	_, cached := s.splitsCache[2]
	s.mu.Unlock()
	require.True(t, cached)
}

func TestSplitOneOrFewerPartsReturnsNil(t *testing.T) {
	s := New(1, nil, nil, nil)
	require.Nil(t, s.Split(0))
	require.Nil(t, s.Split(1))
}

func TestSubrangeIntersectsAndPreservesWeight(t *testing.T) {
	input := []ReplicaRange{
		{Range: TokenRange{Left: 0, Right: 50}, Transient: false},
		{Range: TokenRange{Left: 50, Right: 100}, Transient: true},
	}
	s := New(1, input, nil, nil)

	got := s.Subrange(TokenRange{Left: 25, Right: 75})
	require.Len(t, got, 2)
	require.Equal(t, TokenRange{Left: 25, Right: 50}, got[0].Range)
	require.Equal(t, FullWeight, got[0].Weight)
	require.Equal(t, TokenRange{Left: 50, Right: 75}, got[1].Range)
	require.Equal(t, TransientWeight, got[1].Weight)
}

func TestEqualIgnoresCacheState(t *testing.T) {
	input := []ReplicaRange{{Range: TokenRange{Left: 0, Right: 100}}}
	a := New(7, input, nil, nil)
	b := New(7, input, nil, nil)
	require.True(t, a.Equal(b))

	a.Split(3) // populates a's cache only
	require.True(t, a.Equal(b))

	c := New(8, input, nil, nil)
	require.False(t, a.Equal(c))
}

// TestSplitBoundariesAlwaysAscending is a universal invariant (spec.md
// §8): whatever ranges are fed in, Split's output is strictly ascending
// and never exceeds numParts-1 entries.
func TestSplitBoundariesAlwaysAscending(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping property-based test in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("split boundaries are strictly ascending and bounded", prop.ForAll(
		func(lefts []uint64, numParts int) bool {
			if numParts < 2 {
				numParts = 2
			}
			var input []ReplicaRange
			for i, l := range lefts {
				left := l % (MaxToken - 1)
				input = append(input, ReplicaRange{Range: TokenRange{Left: left, Right: left + uint64(i) + 1}})
			}
			s := New(1, input, nil, nil)
			boundaries := s.Split(numParts)

			if len(boundaries) > numParts-1 {
				return false
			}
			for i := 1; i < len(boundaries); i++ {
				if boundaries[i-1] >= boundaries[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(5, gen.UInt64Range(0, 1000)),
		gen.IntRange(2, 8),
	))

	properties.TestingRun(t)
}
