package interval

import (
	"sort"
	"time"
)

// Entry is an interval tagged with the id of whatever holds it.
type Entry struct {
	Interval
	ID string `json:"id"`
}

// Set keeps entries ordered by start. The sorted slice doubles as an
// implicit balanced tree (the root of [lo,hi) is its midpoint) and every
// node records the latest end in its subtree, so a query skips whole
// subtrees that end before it and answers in O(log n + k log n) even when
// entries overlap each other.
// Overlapping entries are allowed; the store decides what may coexist.
type Set struct {
	entries []Entry
	maxEnd  []time.Time
}

func NewSet(entries ...Entry) *Set {
	s := &Set{entries: append([]Entry(nil), entries...)}
	sort.SliceStable(s.entries, func(i, j int) bool { return less(s.entries[i], s.entries[j]) })
	s.rebuild()
	return s
}

func less(a, b Entry) bool {
	if a.Start.Equal(b.Start) {
		return a.ID < b.ID
	}
	return a.Start.Before(b.Start)
}

func (s *Set) rebuild() {
	if cap(s.maxEnd) < len(s.entries) {
		s.maxEnd = make([]time.Time, len(s.entries), 2*len(s.entries)+1)
	}
	s.maxEnd = s.maxEnd[:len(s.entries)]
	s.build(0, len(s.entries))
}

func (s *Set) build(lo, hi int) time.Time {
	if lo >= hi {
		return time.Time{}
	}
	m := int(uint(lo+hi) >> 1)
	end := s.entries[m].End
	if l := s.build(lo, m); l.After(end) {
		end = l
	}
	if r := s.build(m+1, hi); r.After(end) {
		end = r
	}
	s.maxEnd[m] = end
	return end
}

// walk visits, in start order, the entries of [lo,hi) overlapping q until
// visit returns false. steps, when non-nil, counts the nodes touched.
func (s *Set) walk(lo, hi int, q Interval, visit func(Entry) bool, steps *int) bool {
	if lo >= hi {
		return true
	}
	if steps != nil {
		*steps++
	}
	m := int(uint(lo+hi) >> 1)
	if !s.maxEnd[m].After(q.Start) {
		return true
	}
	if !s.walk(lo, m, q, visit, steps) {
		return false
	}
	if !s.entries[m].Start.Before(q.End) {
		return true
	}
	if s.entries[m].End.After(q.Start) && !visit(s.entries[m]) {
		return false
	}
	return s.walk(m+1, hi, q, visit, steps)
}

func (s *Set) Len() int { return len(s.entries) }

// Insert adds e keeping start order.
func (s *Set) Insert(e Entry) {
	idx := sort.Search(len(s.entries), func(i int) bool { return less(e, s.entries[i]) })
	s.entries = append(s.entries, Entry{})
	copy(s.entries[idx+1:], s.entries[idx:])
	s.entries[idx] = e
	s.rebuild()
}

// Remove drops every entry carrying id and reports whether any was found.
func (s *Set) Remove(id string) bool {
	found := false
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.ID == id {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return false
	}
	s.entries = kept
	s.rebuild()
	return true
}

// Overlapping returns the entries sharing any instant with q, ordered by start.
func (s *Set) Overlapping(q Interval) []Entry {
	var out []Entry
	s.walk(0, len(s.entries), q, func(e Entry) bool {
		out = append(out, e)
		return true
	}, nil)
	return out
}

func (s *Set) Overlaps(q Interval) bool {
	found := false
	s.walk(0, len(s.entries), q, func(Entry) bool {
		found = true
		return false
	}, nil)
	return found
}

// Free returns the sub-ranges of window not covered by any entry.
func (s *Set) Free(window Interval) []Interval {
	busy := s.Overlapping(window)
	var free []Interval
	cursor := window.Start
	for _, e := range busy {
		if e.Start.After(cursor) {
			free = append(free, Interval{Start: cursor, End: e.Start})
		}
		if e.End.After(cursor) {
			cursor = e.End
		}
		if !cursor.Before(window.End) {
			return free
		}
	}
	if cursor.Before(window.End) {
		free = append(free, Interval{Start: cursor, End: window.End})
	}
	return free
}

// Entries returns a copy of the entries in start order.
func (s *Set) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}
