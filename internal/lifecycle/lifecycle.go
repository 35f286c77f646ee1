// Package lifecycle holds the transition tables for reservations, offers and
// budget posts. Transitions are one-directional; asking to move an entity
// into the state it already has is reported as a no-op so that retried
// terminal operations succeed without side effects.
package lifecycle

import (
	"fmt"

	"kerya/internal/domain"
)

// EnsureReservation validates from -> to. noop is true when the reservation
// is already in the target state.
func EnsureReservation(from, to domain.ReservationStatus) (noop bool, err error) {
	if from == to {
		return true, nil
	}
	switch from {
	case domain.ReservationRequested:
		if to == domain.ReservationPendingHold || to == domain.ReservationRejected {
			return false, nil
		}
	case domain.ReservationPendingHold:
		switch to {
		case domain.ReservationConfirmed, domain.ReservationRejected,
			domain.ReservationExpired, domain.ReservationCancelledByClient:
			return false, nil
		}
	case domain.ReservationConfirmed:
		switch to {
		case domain.ReservationCompleted, domain.ReservationCancelledByHost, domain.ReservationCancelledByClient:
			return false, nil
		}
	}
	return false, invalid("reservation", string(from), string(to))
}

func ReservationTerminal(s domain.ReservationStatus) bool {
	switch s {
	case domain.ReservationCompleted, domain.ReservationRejected, domain.ReservationCancelledByHost,
		domain.ReservationCancelledByClient, domain.ReservationExpired:
		return true
	}
	return false
}

func EnsureOffer(from, to domain.OfferStatus) (noop bool, err error) {
	if from == to {
		return true, nil
	}
	if from == domain.OfferPending {
		switch to {
		case domain.OfferAccepted, domain.OfferWithdrawn, domain.OfferRejected, domain.OfferExpired:
			return false, nil
		}
	}
	return false, invalid("offer", string(from), string(to))
}

func OfferTerminal(s domain.OfferStatus) bool {
	return s != domain.OfferPending
}

func EnsurePost(from, to domain.PostStatus) (noop bool, err error) {
	if from == to {
		return true, nil
	}
	switch from {
	case domain.PostOpen:
		if to == domain.PostMatched || to == domain.PostExpired {
			return false, nil
		}
	case domain.PostMatched:
		if to == domain.PostClosed {
			return false, nil
		}
	}
	return false, invalid("budget post", string(from), string(to))
}

func invalid(entity, from, to string) error {
	return domain.ValidationError{Field: "status", Reason: fmt.Sprintf("invalid %s status transition %s -> %s", entity, from, to)}
}
