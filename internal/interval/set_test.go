package interval

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func hours(from, to int) Interval {
	return Interval{Start: base.Add(time.Duration(from) * time.Hour), End: base.Add(time.Duration(to) * time.Hour)}
}

func TestNewRejectsEmpty(t *testing.T) {
	_, err := New(base, base)
	require.ErrorIs(t, err, ErrEmpty)
	_, err = New(base.Add(time.Hour), base)
	require.ErrorIs(t, err, ErrEmpty)
	iv, err := New(base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, iv.Duration())
}

func TestNormalizeTruncatesToStoragePrecision(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	iv := Interval{Start: base.In(loc).Add(1500 * time.Nanosecond), End: base.Add(time.Hour + 999*time.Nanosecond)}.Normalize()
	assert.Equal(t, base.Add(time.Microsecond), iv.Start)
	assert.Equal(t, base.Add(time.Hour), iv.End)
	assert.Equal(t, time.UTC, iv.Start.Location())

	assert.False(t, Interval{Start: base.Add(100), End: base.Add(900)}.Normalize().Valid())
}

func TestOverlapsHalfOpen(t *testing.T) {
	tests := []struct {
		name string
		a, b Interval
		want bool
	}{
		{"touching end", hours(0, 10), hours(10, 20), false},
		{"touching start", hours(10, 20), hours(0, 10), false},
		{"contained", hours(0, 10), hours(2, 3), true},
		{"partial", hours(0, 10), hours(9, 11), true},
		{"disjoint", hours(0, 1), hours(5, 6), false},
		{"same", hours(3, 4), hours(3, 4), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Overlaps(tt.b))
			assert.Equal(t, tt.want, tt.b.Overlaps(tt.a))
		})
	}
}

func TestIntersectAndNights(t *testing.T) {
	got, ok := hours(0, 48).Intersect(hours(24, 72))
	require.True(t, ok)
	assert.Equal(t, hours(24, 48), got)
	_, ok = hours(0, 1).Intersect(hours(1, 2))
	assert.False(t, ok)

	assert.Equal(t, 2, hours(0, 48).Nights())
	assert.Equal(t, 3, hours(0, 49).Nights())
}

func TestSetOverlappingAndFree(t *testing.T) {
	s := NewSet(
		Entry{Interval: hours(10, 20), ID: "b"},
		Entry{Interval: hours(0, 5), ID: "a"},
		Entry{Interval: hours(30, 40), ID: "c"},
	)
	assert.Equal(t, 3, s.Len())
	assert.False(t, s.Overlaps(hours(5, 10)))
	assert.True(t, s.Overlaps(hours(19, 21)))

	got := s.Overlapping(hours(4, 31))
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{got[0].ID, got[1].ID, got[2].ID})

	free := s.Free(hours(0, 50))
	assert.Equal(t, []Interval{hours(5, 10), hours(20, 30), hours(40, 50)}, free)

	require.True(t, s.Remove("b"))
	require.False(t, s.Remove("b"))
	assert.False(t, s.Overlaps(hours(12, 18)))
	s.Insert(Entry{Interval: hours(12, 18), ID: "d"})
	assert.True(t, s.Overlaps(hours(12, 13)))
}

func TestSetLongEntryHidesBehindShortOnes(t *testing.T) {
	// a long early entry must still be found past many short ones
	s := NewSet(Entry{Interval: hours(0, 100), ID: "long"})
	for i := 1; i < 50; i++ {
		s.Insert(Entry{Interval: hours(i, i+1), ID: fmt.Sprintf("s%d", i)})
	}
	got := s.Overlapping(hours(90, 95))
	require.Len(t, got, 1)
	assert.Equal(t, "long", got[0].ID)
}

func TestSetQueryPrunesPastLongEntry(t *testing.T) {
	const n = 4096
	s := NewSet(Entry{Interval: hours(0, 4*n), ID: "long"})
	for i := 1; i <= n; i++ {
		s.Insert(Entry{Interval: hours(2*i, 2*i+1), ID: fmt.Sprintf("s%d", i)})
	}
	var got []string
	steps := 0
	s.walk(0, s.Len(), hours(3*n, 3*n+1), func(e Entry) bool {
		got = append(got, e.ID)
		return true
	}, &steps)
	assert.Equal(t, []string{"long"}, got)
	assert.Less(t, steps, 64, "a single long entry must not force a scan of every later entry")
}

func TestSetMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var all []Entry
	s := NewSet()
	for i := 0; i < 300; i++ {
		start := rng.Intn(1000)
		e := Entry{Interval: hours(start, start+1+rng.Intn(40)), ID: fmt.Sprintf("e%d", i)}
		all = append(all, e)
		s.Insert(e)
		if i%7 == 0 {
			victim := all[rng.Intn(len(all))].ID
			s.Remove(victim)
			kept := all[:0]
			for _, x := range all {
				if x.ID != victim {
					kept = append(kept, x)
				}
			}
			all = kept
		}
	}
	for q := 0; q < 500; q++ {
		start := rng.Intn(1050)
		query := hours(start, start+1+rng.Intn(30))
		want := map[string]bool{}
		for _, e := range all {
			if e.Overlaps(query) {
				want[e.ID] = true
			}
		}
		got := s.Overlapping(query)
		require.Len(t, got, len(want), "query %v", query)
		for _, e := range got {
			assert.True(t, want[e.ID])
		}
		assert.Equal(t, len(want) > 0, s.Overlaps(query))
	}
}
