package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/sirupsen/logrus"

	"kerya/internal/domain"
	"kerya/internal/events"
	"kerya/internal/repo"
)

const sweepBatch = 500

type SweepResult struct {
	ExpiredHolds int `json:"expired_holds"`
	ExpiredPosts int `json:"expired_posts"`
}

// SweepExpired expires lapsed holds and budget posts. Every transition is
// conditional on the row still being in its pre-expiry state, so the sweep
// may run concurrently with itself and with client cancellations.
func (e Engine) SweepExpired(ctx context.Context) (SweepResult, error) {
	var out SweepResult
	now := e.now()
	holds, err := e.Repo.ExpiredHolds(ctx, now, sweepBatch)
	if err != nil {
		return out, err
	}
	for _, h := range holds {
		ok, err := e.expireHold(ctx, h.ID)
		if err != nil {
			return out, err
		}
		if ok {
			out.ExpiredHolds++
		}
	}
	posts, err := e.Repo.ExpiredPosts(ctx, now, sweepBatch)
	if err != nil {
		return out, err
	}
	for _, p := range posts {
		ok, err := e.expirePost(ctx, p.ID)
		if err != nil {
			return out, err
		}
		if ok {
			out.ExpiredPosts++
		}
	}
	if out.ExpiredHolds > 0 || out.ExpiredPosts > 0 {
		e.log().WithFields(logrus.Fields{"holds": out.ExpiredHolds, "posts": out.ExpiredPosts}).Info("sweep expired entities")
	}
	return out, nil
}

func (e Engine) expireHold(ctx context.Context, id string) (bool, error) {
	var rv domain.Reservation
	var ownerID string
	var applied bool
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		applied = false
		var res domain.Resource
		var err error
		rv, res, err = e.lockReservationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		now := e.now()
		if rv.Status != domain.ReservationPendingHold || rv.HoldExpiresAt == nil || now.Before(*rv.HoldExpiresAt) {
			return nil
		}
		ownerID = res.OwnerID
		if err := e.closeReservationTx(ctx, tx, &rv, domain.ReservationExpired, "", now, nil); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		var ce domain.ConflictError
		if errors.As(err, &ce) || errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if applied {
		e.invalidate(rv.ResourceID)
		e.dispatch(ctx, notice{event: "reservation.expired", recipients: []string{rv.ClientID, ownerID}, payload: reservationPayload(rv)})
	}
	return applied, nil
}

func (e Engine) expirePost(ctx context.Context, id string) (bool, error) {
	var post domain.BudgetPost
	var offers []domain.Offer
	var applied bool
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		applied, offers = false, nil
		var err error
		post, err = e.Repo.GetPostTx(ctx, tx, id)
		if err != nil {
			return err
		}
		now := e.now()
		if post.Status != domain.PostOpen || now.Before(post.ExpiresAt) {
			return nil
		}
		post.Status = domain.PostExpired
		post.UpdatedAt = now
		if err := e.Repo.TransitionPostTx(ctx, tx, &post, domain.PostOpen); err != nil {
			return err
		}
		offers, err = e.Repo.ClosePendingOffersTx(ctx, tx, post.ID, "", domain.OfferExpired, now)
		if err != nil {
			return err
		}
		applied = true
		return e.events().Append(ctx, tx, "post.expired", "budget_post", post.ID, "", events.EventPayload{"expired_offers": len(offers)})
	})
	if err != nil {
		if errors.Is(err, repo.ErrStale) || errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if applied {
		notices := []notice{{event: "post.expired", recipients: []string{post.ClientID}, payload: map[string]any{"post_id": post.ID}}}
		for _, o := range offers {
			notices = append(notices, notice{event: "offer.expired", recipients: []string{o.HostID}, payload: offerPayload(o)})
		}
		e.dispatch(ctx, notices...)
	}
	return applied, nil
}
