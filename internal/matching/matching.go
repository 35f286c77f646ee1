// Package matching scores host offers against a client's budget post.
//
// The score is a weighted sum of three components:
//
//	price       price/ceiling when within budget, minus the overage fraction otherwise
//	overlap     share of the requested window the offer covers
//	reliability opaque host score in [0,1] supplied by the caller
//
// Ranking is a total order: higher score first, then earlier submission,
// then offer id, so identical inputs always produce identical rankings.
package matching

import (
	"context"
	"sort"
	"time"

	"kerya/internal/interval"
)

type Weights struct {
	Price       float64
	Overlap     float64
	Reliability float64
}

type Post struct {
	MaxPrice int64
	Window   interval.Interval
}

type Candidate struct {
	OfferID     string
	HostID      string
	Price       int64
	Window      interval.Interval
	SubmittedAt time.Time
	Reliability float64
}

type Components struct {
	Price       float64
	Overlap     float64
	Reliability float64
}

type Ranked struct {
	Candidate
	Score      float64
	Components Components
	Rank       int
}

// ReliabilitySource supplies host reliability scores.
type ReliabilitySource interface {
	Reliability(ctx context.Context, hostID string) (float64, error)
}

// Fixed scores every host the same.
type Fixed float64

func (f Fixed) Reliability(context.Context, string) (float64, error) { return float64(f), nil }

func PriceComponent(price, ceiling int64) float64 {
	if ceiling <= 0 {
		return 0
	}
	if price <= ceiling {
		return float64(price) / float64(ceiling)
	}
	return -float64(price-ceiling) / float64(ceiling)
}

func OverlapComponent(offer, post interval.Interval) float64 {
	total := post.Duration()
	if total <= 0 {
		return 0
	}
	common, ok := offer.Intersect(post)
	if !ok {
		return 0
	}
	return float64(common.Duration()) / float64(total)
}

func Score(p Post, c Candidate, w Weights) (float64, Components) {
	comp := Components{
		Price:       PriceComponent(c.Price, p.MaxPrice),
		Overlap:     OverlapComponent(c.Window, p.Window),
		Reliability: clamp01(c.Reliability),
	}
	return w.Price*comp.Price + w.Overlap*comp.Overlap + w.Reliability*comp.Reliability, comp
}

// Rank scores and orders the candidates. Ranks start at 1.
func Rank(p Post, candidates []Candidate, w Weights) []Ranked {
	out := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		score, comp := Score(p, c, w)
		out = append(out, Ranked{Candidate: c, Score: score, Components: comp})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.OfferID < b.OfferID
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
