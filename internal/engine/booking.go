package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"kerya/internal/domain"
	"kerya/internal/engine/auth"
	"kerya/internal/events"
	"kerya/internal/interval"
	"kerya/internal/lifecycle"
	"kerya/internal/repo"
)

type ReservationRequest struct {
	ResourceID string
	Interval   interval.Interval
	ClientID   string
	Guests     int
	Amount     int64
	Currency   string
}

// validateRequest checks everything that can be decided without the lock.
func (e Engine) validateRequest(res domain.Resource, req *ReservationRequest, now time.Time) error {
	if strings.TrimSpace(req.ClientID) == "" {
		return domain.ValidationError{Field: "client_id", Reason: "required"}
	}
	if !res.Bookable() {
		return domain.ValidationError{Field: "resource_id", Reason: fmt.Sprintf("resource %s is %s", res.ID, res.Status)}
	}
	req.Interval = req.Interval.Normalize()
	if !req.Interval.Valid() {
		return domain.ValidationError{Field: "interval", Reason: interval.ErrEmpty.Error()}
	}
	if req.Interval.Start.Before(now) {
		return domain.ValidationError{Field: "interval", Reason: "start must not be in the past"}
	}
	horizon := res.HorizonDays
	if horizon <= 0 {
		horizon = e.cfg().Booking.DefaultHorizonDays
	}
	if limit := now.AddDate(0, 0, horizon); req.Interval.End.After(limit) {
		return domain.ValidationError{Field: "interval", Reason: fmt.Sprintf("end is beyond the %d day booking horizon", horizon)}
	}
	if res.Kind.Rules().UsesMinStay && res.MinStayNights > 0 && req.Interval.Nights() < res.MinStayNights {
		return domain.ValidationError{Field: "interval", Reason: fmt.Sprintf("minimum stay is %d nights", res.MinStayNights)}
	}
	if req.Guests == 0 {
		req.Guests = 1
	}
	if req.Guests < 0 {
		return domain.ValidationError{Field: "guests", Reason: "must be positive"}
	}
	if res.Capacity > 0 && req.Guests > res.Capacity {
		return domain.ValidationError{Field: "guests", Reason: fmt.Sprintf("exceeds capacity of %d %s", res.Capacity, res.Kind.Rules().CapacityUnit)}
	}
	if req.Amount < 0 {
		return domain.ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	if req.Currency == "" {
		req.Currency = res.Currency
	}
	req.Currency = strings.ToUpper(req.Currency)
	return nil
}

// RequestReservation places a pending hold on the resource. Overlap check
// and interval commit run in one unit of work under the resource lock.
func (e Engine) RequestReservation(ctx context.Context, req ReservationRequest) (domain.Reservation, error) {
	res, err := e.Repo.GetResource(ctx, req.ResourceID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if err := e.validateRequest(res, &req, e.now()); err != nil {
		return domain.Reservation{}, err
	}
	var rv domain.Reservation
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		rv, res, err = e.requestReservationTx(ctx, tx, req, "")
		return err
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	e.invalidate(rv.ResourceID)
	e.log().WithFields(logrus.Fields{"reservation_id": rv.ID, "resource_id": rv.ResourceID}).Debug("hold placed")
	e.dispatch(ctx, notice{
		event:      "reservation.hold",
		recipients: []string{rv.ClientID, res.OwnerID},
		payload:    reservationPayload(rv),
	})
	return rv, nil
}

func (e Engine) requestReservationTx(ctx context.Context, tx *sql.Tx, req ReservationRequest, offerID string) (domain.Reservation, domain.Resource, error) {
	res, err := e.Repo.LockResourceTx(ctx, tx, req.ResourceID)
	if err != nil {
		return domain.Reservation{}, domain.Resource{}, err
	}
	now := e.now()
	if err := e.validateRequest(res, &req, now); err != nil {
		return domain.Reservation{}, res, err
	}
	holds, err := e.Repo.OverlappingTx(ctx, tx, res.ID, req.Interval, "")
	if err != nil {
		return domain.Reservation{}, res, err
	}
	if len(holds) > 0 {
		ids := make([]string, 0, len(holds))
		for _, h := range holds {
			ids = append(ids, h.ID)
		}
		return domain.Reservation{}, res, domain.ConflictError{ResourceID: res.ID, Conflicting: ids}
	}
	if _, err := lifecycle.EnsureReservation(domain.ReservationRequested, domain.ReservationPendingHold); err != nil {
		return domain.Reservation{}, res, err
	}
	expires := now.Add(e.cfg().Booking.HoldWindow)
	rv := domain.Reservation{
		ID:            newID(),
		Reference:     domain.NewReference(now),
		ResourceID:    res.ID,
		Interval:      req.Interval,
		ClientID:      req.ClientID,
		Guests:        req.Guests,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        domain.ReservationPendingHold,
		OfferID:       offerID,
		HoldExpiresAt: &expires,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertReservationTx(ctx, tx, rv); err != nil {
		return domain.Reservation{}, res, fmt.Errorf("insert reservation: %w", err)
	}
	if err := e.Repo.CommitIntervalTx(ctx, tx, res.ID, rv.ID, rv.Interval); err != nil {
		return domain.Reservation{}, res, fmt.Errorf("commit interval: %w", err)
	}
	if _, err := e.openThreadTx(ctx, tx, domain.SubjectReservation, rv.ID); err != nil {
		return domain.Reservation{}, res, err
	}
	if err := e.events().Append(ctx, tx, "reservation.hold", "reservation", rv.ID, rv.ClientID, events.EventPayload{
		"resource_id": rv.ResourceID,
		"start":       rv.Interval.Start,
		"end":         rv.Interval.End,
		"offer_id":    offerID,
		"expires_at":  expires,
	}); err != nil {
		return domain.Reservation{}, res, err
	}
	return rv, res, nil
}

// ConfirmReservation turns a pending hold into a confirmed reservation. The
// overlap check is repeated under the lock; if another hold or booking
// shares the interval, the clashing holds are rejected and ConflictError is
// returned after the rejections commit.
func (e Engine) ConfirmReservation(ctx context.Context, id, actorID string) (domain.Reservation, error) {
	var (
		out      domain.Reservation
		ownerID  string
		expired  bool
		rejected []domain.Reservation
		blockers []string
	)
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		expired, rejected, blockers = false, nil, nil
		rv, res, err := e.lockReservationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		ownerID = res.OwnerID
		if err := e.auth().RequireOwner(res.OwnerID, actorID, "reservation.confirm"); err != nil {
			return err
		}
		noop, err := lifecycle.EnsureReservation(rv.Status, domain.ReservationConfirmed)
		if err != nil {
			return err
		}
		if noop {
			out = rv
			return nil
		}
		now := e.now()
		if rv.HoldExpiresAt != nil && !now.Before(*rv.HoldExpiresAt) {
			if err := e.closeReservationTx(ctx, tx, &rv, domain.ReservationExpired, "", now, nil); err != nil {
				return err
			}
			expired = true
			out = rv
			return nil
		}
		holds, err := e.Repo.OverlappingTx(ctx, tx, rv.ResourceID, rv.Interval, rv.ID)
		if err != nil {
			return err
		}
		if len(holds) > 0 {
			if err := e.closeReservationTx(ctx, tx, &rv, domain.ReservationRejected, actorID, now, events.EventPayload{"reason": "overlap"}); err != nil {
				return err
			}
			rejected = append(rejected, rv)
			for _, h := range holds {
				blockers = append(blockers, h.ID)
				if h.Status != domain.ReservationPendingHold {
					continue
				}
				other, err := e.Repo.GetReservationTx(ctx, tx, h.ID)
				if err != nil {
					return err
				}
				if err := e.closeReservationTx(ctx, tx, &other, domain.ReservationRejected, actorID, now, events.EventPayload{"reason": "overlap"}); err != nil {
					return err
				}
				rejected = append(rejected, other)
			}
			out = rv
			return nil
		}
		from := rv.Status
		rv.Status = domain.ReservationConfirmed
		rv.HoldExpiresAt = nil
		rv.UpdatedAt = now
		if err := e.Repo.TransitionReservationTx(ctx, tx, &rv, from); err != nil {
			return lostRace(err, rv.ResourceID)
		}
		if err := e.events().Append(ctx, tx, "reservation.confirmed", "reservation", rv.ID, actorID, events.EventPayload{"from": from}); err != nil {
			return err
		}
		out = rv
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	e.invalidate(out.ResourceID)
	switch {
	case expired:
		e.dispatch(ctx, notice{event: "reservation.expired", recipients: []string{out.ClientID, ownerID}, payload: reservationPayload(out)})
		return out, domain.ExpiredError{Entity: "reservation hold", ID: out.ID, ExpiredAt: *out.ClosedAt}
	case len(rejected) > 0:
		notices := make([]notice, 0, len(rejected))
		for _, rv := range rejected {
			notices = append(notices, notice{event: "reservation.rejected", recipients: []string{rv.ClientID}, payload: reservationPayload(rv)})
		}
		e.dispatch(ctx, notices...)
		return out, domain.ConflictError{ResourceID: out.ResourceID, Conflicting: blockers}
	}
	if out.Status == domain.ReservationConfirmed {
		e.dispatch(ctx, notice{event: "reservation.confirmed", recipients: []string{out.ClientID, ownerID}, payload: reservationPayload(out)})
	}
	return out, nil
}

// RejectReservation lets the host decline a pending hold.
func (e Engine) RejectReservation(ctx context.Context, id, actorID string) (domain.Reservation, error) {
	return e.hostTransition(ctx, id, actorID, domain.ReservationRejected, "reservation.reject")
}

// CompleteReservation closes a confirmed stay and frees its interval.
func (e Engine) CompleteReservation(ctx context.Context, id, actorID string) (domain.Reservation, error) {
	return e.hostTransition(ctx, id, actorID, domain.ReservationCompleted, "reservation.complete")
}

func (e Engine) hostTransition(ctx context.Context, id, actorID string, to domain.ReservationStatus, action string) (domain.Reservation, error) {
	var out domain.Reservation
	var ownerID string
	var applied bool
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		applied = false
		rv, res, err := e.lockReservationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		ownerID = res.OwnerID
		if err := e.auth().RequireOwner(res.OwnerID, actorID, action); err != nil {
			return err
		}
		noop, err := lifecycle.EnsureReservation(rv.Status, to)
		if err != nil {
			return err
		}
		if !noop {
			if err := e.closeReservationTx(ctx, tx, &rv, to, actorID, e.now(), nil); err != nil {
				return err
			}
			applied = true
		}
		out = rv
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	if applied {
		e.invalidate(out.ResourceID)
		e.dispatch(ctx, notice{event: "reservation." + string(to), recipients: []string{out.ClientID, ownerID}, payload: reservationPayload(out)})
	}
	return out, nil
}

// CancelReservation cancels on behalf of the host or the client. A
// reservation that already left its holding states through another
// cancellation, rejection or expiry is returned unchanged.
func (e Engine) CancelReservation(ctx context.Context, id, actorID string) (domain.Reservation, error) {
	var out domain.Reservation
	var ownerID string
	var applied bool
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		applied = false
		rv, res, err := e.lockReservationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		ownerID = res.OwnerID
		role, err := e.auth().Party(res.OwnerID, rv.ClientID, actorID, "reservation.cancel")
		if err != nil {
			return err
		}
		switch rv.Status {
		case domain.ReservationCancelledByHost, domain.ReservationCancelledByClient,
			domain.ReservationExpired, domain.ReservationRejected:
			out = rv
			return nil
		}
		to := domain.ReservationCancelledByClient
		if role != auth.RoleClient {
			to = domain.ReservationCancelledByHost
		}
		if _, err := lifecycle.EnsureReservation(rv.Status, to); err != nil {
			return err
		}
		now := e.now()
		refund := res.CancellationPolicy.RefundFraction(now, rv.Interval.Start, to == domain.ReservationCancelledByHost)
		if rv.Status == domain.ReservationPendingHold {
			refund = 1
		}
		rv.Refund = &refund
		if err := e.closeReservationTx(ctx, tx, &rv, to, actorID, now, events.EventPayload{"refund_fraction": refund}); err != nil {
			return err
		}
		applied = true
		out = rv
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	if applied {
		e.invalidate(out.ResourceID)
		e.dispatch(ctx, notice{event: "reservation.cancelled", recipients: []string{out.ClientID, ownerID}, payload: reservationPayload(out)})
	}
	return out, nil
}

// lockReservationTx takes the resource lock and reads the reservation under
// it, so the status seen is the one the transition will be checked against.
func (e Engine) lockReservationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Reservation, domain.Resource, error) {
	rv, err := e.Repo.GetReservationTx(ctx, tx, id)
	if err != nil {
		return domain.Reservation{}, domain.Resource{}, err
	}
	res, err := e.Repo.LockResourceTx(ctx, tx, rv.ResourceID)
	if err != nil {
		return domain.Reservation{}, domain.Resource{}, err
	}
	rv, err = e.Repo.GetReservationTx(ctx, tx, id)
	if err != nil {
		return domain.Reservation{}, domain.Resource{}, err
	}
	return rv, res, nil
}

// closeReservationTx moves rv into a terminal state, releases its interval
// and closes the budget post it was matched from.
func (e Engine) closeReservationTx(ctx context.Context, tx *sql.Tx, rv *domain.Reservation, to domain.ReservationStatus, actorID string, now time.Time, payload events.EventPayload) error {
	from := rv.Status
	rv.Status = to
	rv.UpdatedAt = now
	if lifecycle.ReservationTerminal(to) {
		closed := now
		rv.ClosedAt = &closed
	}
	if err := e.Repo.TransitionReservationTx(ctx, tx, rv, from); err != nil {
		return lostRace(err, rv.ResourceID)
	}
	if err := e.Repo.ReleaseIntervalTx(ctx, tx, rv.ID); err != nil {
		return fmt.Errorf("release interval: %w", err)
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from"] = from
	if err := e.events().Append(ctx, tx, "reservation."+string(to), "reservation", rv.ID, actorID, payload); err != nil {
		return err
	}
	if rv.OfferID == "" {
		return nil
	}
	offer, err := e.Repo.GetOfferTx(ctx, tx, rv.OfferID)
	if err != nil {
		return err
	}
	return e.closeMatchedPostTx(ctx, tx, offer.PostID, actorID, now)
}

func (e Engine) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	return e.Repo.GetReservation(ctx, id)
}

func (e Engine) ListReservations(ctx context.Context, f repo.ReservationFilter) ([]domain.Reservation, error) {
	return e.Repo.ListReservations(ctx, f)
}

func reservationPayload(rv domain.Reservation) map[string]any {
	p := map[string]any{
		"reservation_id": rv.ID,
		"reference":      rv.Reference,
		"resource_id":    rv.ResourceID,
		"status":         string(rv.Status),
		"start":          rv.Interval.Start.Format(time.RFC3339),
		"end":            rv.Interval.End.Format(time.RFC3339),
		"amount":         rv.Amount,
		"currency":       rv.Currency,
	}
	if rv.Refund != nil {
		p["refund_fraction"] = *rv.Refund
	}
	if rv.OfferID != "" {
		p["offer_id"] = rv.OfferID
	}
	return p
}
