package domain

import (
	"fmt"
	"time"
)

// ResourceKind is a closed set of bookable categories.
type ResourceKind string

const (
	KindHouse ResourceKind = "house"
	KindHotel ResourceKind = "hotel"
	KindEvent ResourceKind = "event"
)

// KindRules carries the per-kind booking semantics.
type KindRules struct {
	DefaultPolicy CancellationPolicy
	// event capacity counts seats, house/hotel capacity counts guests
	CapacityUnit string
	UsesMinStay  bool
}

var kindRules = map[ResourceKind]KindRules{
	KindHouse: {DefaultPolicy: PolicyModerate, CapacityUnit: "guests", UsesMinStay: true},
	KindHotel: {DefaultPolicy: PolicyFlexible, CapacityUnit: "guests"},
	KindEvent: {DefaultPolicy: PolicyStrict, CapacityUnit: "seats"},
}

func ParseKind(s string) (ResourceKind, error) {
	k := ResourceKind(s)
	if _, ok := kindRules[k]; !ok {
		return "", ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown resource kind %q", s)}
	}
	return k, nil
}

func (k ResourceKind) Rules() KindRules {
	return kindRules[k]
}

type CancellationPolicy string

const (
	PolicyFlexible CancellationPolicy = "flexible"
	PolicyModerate CancellationPolicy = "moderate"
	PolicyStrict   CancellationPolicy = "strict"
)

func ParsePolicy(s string) (CancellationPolicy, error) {
	switch p := CancellationPolicy(s); p {
	case PolicyFlexible, PolicyModerate, PolicyStrict:
		return p, nil
	}
	return "", ValidationError{Field: "cancellation_policy", Reason: fmt.Sprintf("unknown cancellation policy %q", s)}
}

// RefundFraction is the share of the amount returned when a confirmed
// reservation starting at start is cancelled at now.
func (p CancellationPolicy) RefundFraction(now, start time.Time, byHost bool) float64 {
	if byHost {
		return 1
	}
	lead := start.Sub(now)
	day := 24 * time.Hour
	switch p {
	case PolicyFlexible:
		if lead >= day {
			return 1
		}
		return 0
	case PolicyModerate:
		if lead >= 5*day {
			return 1
		}
		return 0.5
	case PolicyStrict:
		if lead >= 7*day {
			return 0.5
		}
		return 0
	}
	return 0
}
