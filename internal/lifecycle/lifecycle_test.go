package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kerya/internal/domain"
)

func TestReservationTransitions(t *testing.T) {
	allowed := map[domain.ReservationStatus][]domain.ReservationStatus{
		domain.ReservationRequested:   {domain.ReservationPendingHold, domain.ReservationRejected},
		domain.ReservationPendingHold: {domain.ReservationConfirmed, domain.ReservationRejected, domain.ReservationExpired, domain.ReservationCancelledByClient},
		domain.ReservationConfirmed:   {domain.ReservationCompleted, domain.ReservationCancelledByHost, domain.ReservationCancelledByClient},
	}
	all := []domain.ReservationStatus{
		domain.ReservationRequested, domain.ReservationPendingHold, domain.ReservationConfirmed,
		domain.ReservationCompleted, domain.ReservationRejected, domain.ReservationCancelledByHost,
		domain.ReservationCancelledByClient, domain.ReservationExpired,
	}
	for _, from := range all {
		for _, to := range all {
			noop, err := EnsureReservation(from, to)
			switch {
			case from == to:
				assert.True(t, noop, "%s -> %s", from, to)
				assert.NoError(t, err)
			case contains(allowed[from], to):
				assert.False(t, noop)
				assert.NoError(t, err, "%s -> %s", from, to)
			default:
				var ve domain.ValidationError
				require.Error(t, err, "%s -> %s", from, to)
				assert.True(t, errors.As(err, &ve))
			}
		}
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	for _, s := range []domain.ReservationStatus{
		domain.ReservationCompleted, domain.ReservationRejected, domain.ReservationExpired,
		domain.ReservationCancelledByHost, domain.ReservationCancelledByClient,
	} {
		assert.True(t, ReservationTerminal(s))
		_, err := EnsureReservation(s, domain.ReservationConfirmed)
		assert.Error(t, err)
	}
	assert.False(t, ReservationTerminal(domain.ReservationConfirmed))
}

func TestOfferAndPostTransitions(t *testing.T) {
	_, err := EnsureOffer(domain.OfferPending, domain.OfferAccepted)
	assert.NoError(t, err)
	_, err = EnsureOffer(domain.OfferWithdrawn, domain.OfferAccepted)
	assert.Error(t, err)
	noop, err := EnsureOffer(domain.OfferWithdrawn, domain.OfferWithdrawn)
	assert.NoError(t, err)
	assert.True(t, noop)

	_, err = EnsurePost(domain.PostOpen, domain.PostMatched)
	assert.NoError(t, err)
	_, err = EnsurePost(domain.PostMatched, domain.PostClosed)
	assert.NoError(t, err)
	_, err = EnsurePost(domain.PostExpired, domain.PostMatched)
	assert.Error(t, err)
	_, err = EnsurePost(domain.PostMatched, domain.PostOpen)
	assert.Error(t, err)
}

func contains(list []domain.ReservationStatus, s domain.ReservationStatus) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
