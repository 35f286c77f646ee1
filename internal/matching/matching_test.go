package matching

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kerya/internal/interval"
)

var (
	day0   = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	window = interval.Interval{Start: day0, End: day0.Add(4 * 24 * time.Hour)}
	post   = Post{MaxPrice: 10000, Window: window}
)

func TestPriceComponent(t *testing.T) {
	assert.InDelta(t, 0.8, PriceComponent(8000, 10000), 1e-9)
	assert.InDelta(t, 1.0, PriceComponent(10000, 10000), 1e-9)
	assert.InDelta(t, -0.2, PriceComponent(12000, 10000), 1e-9)
	assert.Equal(t, 0.0, PriceComponent(100, 0))
}

func TestOverlapComponent(t *testing.T) {
	half := interval.Interval{Start: day0.Add(2 * 24 * time.Hour), End: day0.Add(10 * 24 * time.Hour)}
	assert.InDelta(t, 0.5, OverlapComponent(half, window), 1e-9)
	assert.InDelta(t, 1.0, OverlapComponent(window, window), 1e-9)
	outside := interval.Interval{Start: day0.Add(-48 * time.Hour), End: day0}
	assert.Equal(t, 0.0, OverlapComponent(outside, window))
}

func TestRankOrdersByScoreThenSubmission(t *testing.T) {
	w := Weights{Price: 1}
	cands := []Candidate{
		{OfferID: "late", Price: 8000, Window: window, SubmittedAt: day0.Add(2 * time.Hour)},
		{OfferID: "over", Price: 12000, Window: window, SubmittedAt: day0},
		{OfferID: "early", Price: 8000, Window: window, SubmittedAt: day0.Add(time.Hour)},
		{OfferID: "b", Price: 5000, Window: window, SubmittedAt: day0},
		{OfferID: "a", Price: 5000, Window: window, SubmittedAt: day0},
	}
	ranked := Rank(post, cands, w)
	var ids []string
	for _, r := range ranked {
		ids = append(ids, r.OfferID)
	}
	// equal price scores tie-break on submission then id
	assert.Equal(t, []string{"early", "late", "a", "b", "over"}, ids)
	assert.Equal(t, 1, ranked[0].Rank)
	assert.Equal(t, 5, ranked[4].Rank)
}

func TestRankIsDeterministic(t *testing.T) {
	w := Weights{Price: 0.5, Overlap: 0.3, Reliability: 0.2}
	rng := rand.New(rand.NewSource(7))
	var cands []Candidate
	for i := 0; i < 40; i++ {
		cands = append(cands, Candidate{
			OfferID:     string(rune('A' + i%26)) + string(rune('a'+i/26)),
			Price:       int64(5000 + rng.Intn(4)*1000),
			Window:      window,
			SubmittedAt: day0.Add(time.Duration(rng.Intn(3)) * time.Minute),
			Reliability: float64(rng.Intn(3)) / 2,
		})
	}
	first := Rank(post, cands, w)
	for i := 0; i < 10; i++ {
		shuffled := append([]Candidate(nil), cands...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		again := Rank(post, shuffled, w)
		require.Len(t, again, len(first))
		for j := range first {
			assert.Equal(t, first[j].OfferID, again[j].OfferID)
		}
	}
}

func TestWeightsApply(t *testing.T) {
	c := Candidate{OfferID: "x", Price: 5000, Window: window, Reliability: 2}
	score, comp := Score(post, c, Weights{Price: 0.5, Overlap: 0.3, Reliability: 0.2})
	assert.Equal(t, 1.0, comp.Reliability)
	assert.InDelta(t, 0.5*0.5+0.3*1+0.2*1, score, 1e-9)
}
