package interval

import (
	"errors"
	"time"
)

var ErrEmpty = errors.New("interval start must be before end")

// Precision is the resolution at which intervals are stored and compared.
const Precision = time.Microsecond

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start" format:"date-time"`
	End   time.Time `json:"end" format:"date-time"`
}

// New returns a UTC interval or ErrEmpty when start is not before end.
func New(start, end time.Time) (Interval, error) {
	iv := Interval{Start: start.UTC(), End: end.UTC()}
	if !iv.Valid() {
		return Interval{}, ErrEmpty
	}
	return iv, nil
}

// Normalize returns the interval in UTC at storage precision. Bounds that
// share a microsecond collapse into an empty interval.
func (i Interval) Normalize() Interval {
	return Interval{Start: i.Start.UTC().Truncate(Precision), End: i.End.UTC().Truncate(Precision)}
}

func (i Interval) Valid() bool {
	return !i.Start.IsZero() && !i.End.IsZero() && i.Start.Before(i.End)
}

// Overlaps reports whether the two ranges share any instant. Touching
// endpoints do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Intersect returns the common part of both ranges.
func (i Interval) Intersect(o Interval) (Interval, bool) {
	if !i.Overlaps(o) {
		return Interval{}, false
	}
	start := i.Start
	if o.Start.After(start) {
		start = o.Start
	}
	end := i.End
	if o.End.Before(end) {
		end = o.End
	}
	return Interval{Start: start, End: end}, true
}

// Nights counts calendar nights covered, rounding partial days up.
func (i Interval) Nights() int {
	d := i.Duration()
	n := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		n++
	}
	return n
}
