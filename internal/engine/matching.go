package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"kerya/internal/domain"
	"kerya/internal/events"
	"kerya/internal/interval"
	"kerya/internal/lifecycle"
	"kerya/internal/matching"
	"kerya/internal/repo"
)

// HostReliability reads host scores from the host_stats table and falls
// back to Default for hosts without a record.
type HostReliability struct {
	Repo    repo.Repo
	Default float64
}

func (h HostReliability) Reliability(ctx context.Context, hostID string) (float64, error) {
	score, ok, err := h.Repo.HostReliability(ctx, hostID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return h.Default, nil
	}
	return score, nil
}

type BudgetPostInput struct {
	ID        string
	ClientID  string
	Category  string
	Interval  interval.Interval
	MaxPrice  int64
	Currency  string
	ExpiresAt time.Time
}

func (e Engine) CreateBudgetPost(ctx context.Context, in BudgetPostInput) (domain.BudgetPost, error) {
	if strings.TrimSpace(in.ClientID) == "" {
		return domain.BudgetPost{}, domain.ValidationError{Field: "client_id", Reason: "required"}
	}
	kind, err := domain.ParseKind(in.Category)
	if err != nil {
		return domain.BudgetPost{}, domain.ValidationError{Field: "category", Reason: err.Error()}
	}
	now := e.now()
	in.Interval = in.Interval.Normalize()
	if !in.Interval.Valid() {
		return domain.BudgetPost{}, domain.ValidationError{Field: "interval", Reason: interval.ErrEmpty.Error()}
	}
	if in.Interval.Start.Before(now) {
		return domain.BudgetPost{}, domain.ValidationError{Field: "interval", Reason: "start must not be in the past"}
	}
	if in.MaxPrice <= 0 {
		return domain.BudgetPost{}, domain.ValidationError{Field: "max_price", Reason: "must be positive"}
	}
	expires := in.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(e.cfg().Matching.PostTTL)
	}
	if !expires.After(now) {
		return domain.BudgetPost{}, domain.ValidationError{Field: "expires_at", Reason: "must be in the future"}
	}
	currency := in.Currency
	if currency == "" {
		currency = e.cfg().Booking.Currency
	}
	id := in.ID
	if id == "" {
		id = newID()
	}
	post := domain.BudgetPost{
		ID:        id,
		ClientID:  in.ClientID,
		Category:  kind,
		Interval:  in.Interval,
		MaxPrice:  in.MaxPrice,
		Currency:  strings.ToUpper(currency),
		Status:    domain.PostOpen,
		ExpiresAt: expires.UTC(),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertPostTx(ctx, tx, post); err != nil {
			return fmt.Errorf("insert budget post: %w", err)
		}
		return e.events().Append(ctx, tx, "post.create", "budget_post", post.ID, post.ClientID, events.EventPayload{
			"category": post.Category, "max_price": post.MaxPrice, "expires_at": post.ExpiresAt,
		})
	})
	if err != nil {
		return domain.BudgetPost{}, err
	}
	e.enqueueRank(ctx, post.ID)
	return post, nil
}

func (e Engine) GetBudgetPost(ctx context.Context, id string) (domain.BudgetPost, error) {
	return e.Repo.GetPost(ctx, id)
}

func (e Engine) ListBudgetPosts(ctx context.Context, clientID, status string) ([]domain.BudgetPost, error) {
	return e.Repo.ListPosts(ctx, clientID, status)
}

type OfferInput struct {
	PostID     string
	HostID     string
	ResourceID string
	Interval   interval.Interval
	Price      int64
}

// SubmitOffer records a host's proposal against an open post. The offer
// interval may differ from the post's but must overlap it.
func (e Engine) SubmitOffer(ctx context.Context, in OfferInput) (domain.Offer, error) {
	if in.Price <= 0 {
		return domain.Offer{}, domain.ValidationError{Field: "price", Reason: "must be positive"}
	}
	in.Interval = in.Interval.Normalize()
	if !in.Interval.Valid() {
		return domain.Offer{}, domain.ValidationError{Field: "interval", Reason: interval.ErrEmpty.Error()}
	}
	var offer domain.Offer
	var post domain.BudgetPost
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		post, err = e.Repo.GetPostTx(ctx, tx, in.PostID)
		if err != nil {
			return err
		}
		now := e.now()
		if post.Status != domain.PostOpen {
			return domain.ValidationError{Field: "post_id", Reason: fmt.Sprintf("budget post is %s", post.Status)}
		}
		if !now.Before(post.ExpiresAt) {
			return domain.ExpiredError{Entity: "budget post", ID: post.ID, ExpiredAt: post.ExpiresAt}
		}
		if post.ClientID == in.HostID {
			return domain.ValidationError{Field: "host_id", Reason: "cannot offer on your own post"}
		}
		res, err := e.Repo.GetResourceTx(ctx, tx, in.ResourceID)
		if err != nil {
			return err
		}
		if err := e.auth().RequireOwner(res.OwnerID, in.HostID, "offer.submit"); err != nil {
			return err
		}
		if !res.Bookable() {
			return domain.ValidationError{Field: "resource_id", Reason: fmt.Sprintf("resource %s is %s", res.ID, res.Status)}
		}
		if res.Kind != post.Category {
			return domain.ValidationError{Field: "resource_id", Reason: fmt.Sprintf("post wants a %s, resource is a %s", post.Category, res.Kind)}
		}
		if in.Interval.Start.Before(now) {
			return domain.ValidationError{Field: "interval", Reason: "start must not be in the past"}
		}
		if !in.Interval.Overlaps(post.Interval) {
			return domain.ValidationError{Field: "interval", Reason: "offer does not overlap the requested window"}
		}
		offer = domain.Offer{
			ID:          newID(),
			PostID:      post.ID,
			HostID:      in.HostID,
			ResourceID:  res.ID,
			Interval:    in.Interval,
			Price:       in.Price,
			Status:      domain.OfferPending,
			Version:     1,
			SubmittedAt: now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertOfferTx(ctx, tx, offer); err != nil {
			return fmt.Errorf("insert offer: %w", err)
		}
		if _, err := e.openThreadTx(ctx, tx, domain.SubjectOffer, offer.ID); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "offer.submit", "offer", offer.ID, in.HostID, events.EventPayload{
			"post_id": post.ID, "resource_id": res.ID, "price": offer.Price,
		})
	})
	if err != nil {
		return domain.Offer{}, err
	}
	e.enqueueRank(ctx, post.ID)
	e.dispatch(ctx, notice{event: "offer.submitted", recipients: []string{post.ClientID}, payload: offerPayload(offer)})
	return offer, nil
}

// WithdrawOffer retracts a pending offer. Withdrawing twice succeeds.
func (e Engine) WithdrawOffer(ctx context.Context, offerID, hostID string) (domain.Offer, error) {
	var offer domain.Offer
	var applied bool
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		applied = false
		var err error
		offer, err = e.Repo.GetOfferTx(ctx, tx, offerID)
		if err != nil {
			return err
		}
		if err := e.auth().RequireOwner(offer.HostID, hostID, "offer.withdraw"); err != nil {
			return err
		}
		noop, err := lifecycle.EnsureOffer(offer.Status, domain.OfferWithdrawn)
		if err != nil || noop {
			return err
		}
		offer.Status = domain.OfferWithdrawn
		offer.UpdatedAt = e.now()
		if err := e.Repo.TransitionOfferTx(ctx, tx, &offer, domain.OfferPending); err != nil {
			return lostRace(err, offer.ResourceID)
		}
		applied = true
		return e.events().Append(ctx, tx, "offer.withdraw", "offer", offer.ID, hostID, nil)
	})
	if err != nil {
		return domain.Offer{}, err
	}
	if applied {
		e.enqueueRank(ctx, offer.PostID)
	}
	return offer, nil
}

// AcceptOffer matches the post to the offer and places the hold in a single
// unit of work. If the resource was claimed in the meantime nothing is
// changed and OfferNoLongerAvailableError is returned.
func (e Engine) AcceptOffer(ctx context.Context, offerID, clientID string) (domain.Reservation, error) {
	var (
		rv       domain.Reservation
		offer    domain.Offer
		ownerID  string
		siblings []domain.Offer
		applied  bool
	)
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		applied, siblings = false, nil
		var err error
		offer, err = e.Repo.GetOfferTx(ctx, tx, offerID)
		if err != nil {
			return err
		}
		post, err := e.Repo.GetPostTx(ctx, tx, offer.PostID)
		if err != nil {
			return err
		}
		if err := e.auth().RequireOwner(post.ClientID, clientID, "offer.accept"); err != nil {
			return err
		}
		if offer.Status == domain.OfferAccepted {
			rv, err = e.Repo.GetReservationTx(ctx, tx, offer.ReservationID)
			return err
		}
		unavailable := func(cause error) error {
			return domain.OfferNoLongerAvailableError{OfferID: offer.ID, Cause: cause}
		}
		if offer.Status != domain.OfferPending {
			return unavailable(fmt.Errorf("offer is %s", offer.Status))
		}
		if post.Status != domain.PostOpen {
			return unavailable(fmt.Errorf("budget post is %s", post.Status))
		}
		now := e.now()
		if !now.Before(post.ExpiresAt) {
			return unavailable(domain.ExpiredError{Entity: "budget post", ID: post.ID, ExpiredAt: post.ExpiresAt})
		}
		post.Status = domain.PostMatched
		post.UpdatedAt = now
		if err := e.Repo.TransitionPostTx(ctx, tx, &post, domain.PostOpen); err != nil {
			if errors.Is(err, repo.ErrStale) {
				return unavailable(err)
			}
			return err
		}
		var res domain.Resource
		rv, res, err = e.requestReservationTx(ctx, tx, ReservationRequest{
			ResourceID: offer.ResourceID,
			Interval:   offer.Interval,
			ClientID:   post.ClientID,
			Amount:     offer.Price,
			Currency:   post.Currency,
		}, offer.ID)
		if err != nil {
			var ce domain.ConflictError
			var ve domain.ValidationError
			if errors.As(err, &ce) || errors.As(err, &ve) {
				return unavailable(err)
			}
			return err
		}
		ownerID = res.OwnerID
		offer.Status = domain.OfferAccepted
		offer.ReservationID = rv.ID
		offer.UpdatedAt = now
		if err := e.Repo.TransitionOfferTx(ctx, tx, &offer, domain.OfferPending); err != nil {
			if errors.Is(err, repo.ErrStale) {
				return unavailable(err)
			}
			return err
		}
		siblings, err = e.Repo.ClosePendingOffersTx(ctx, tx, post.ID, offer.ID, domain.OfferRejected, now)
		if err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, "offer.accept", "offer", offer.ID, clientID, events.EventPayload{
			"post_id": post.ID, "reservation_id": rv.ID, "rejected": len(siblings),
		}); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, "post.matched", "budget_post", post.ID, clientID, events.EventPayload{"offer_id": offer.ID}); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	if !applied {
		return rv, nil
	}
	e.invalidate(rv.ResourceID)
	notices := []notice{
		{event: "offer.accepted", recipients: []string{offer.HostID}, payload: offerPayload(offer)},
		{event: "reservation.hold", recipients: []string{rv.ClientID, ownerID}, payload: reservationPayload(rv)},
	}
	for _, o := range siblings {
		notices = append(notices, notice{event: "offer.rejected", recipients: []string{o.HostID}, payload: offerPayload(o)})
	}
	e.dispatch(ctx, notices...)
	return rv, nil
}

// RankOffers scores the pending offers of a post. The order is computed on
// every call and never stored.
func (e Engine) RankOffers(ctx context.Context, postID string) ([]domain.OfferView, error) {
	post, err := e.Repo.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	offers, err := e.Repo.ListOffers(ctx, postID, domain.OfferPending)
	if err != nil {
		return nil, err
	}
	source := e.Reliability
	if source == nil {
		source = matching.Fixed(e.cfg().Matching.DefaultReliability)
	}
	byID := make(map[string]domain.Offer, len(offers))
	cands := make([]matching.Candidate, 0, len(offers))
	scores := map[string]float64{}
	for _, o := range offers {
		byID[o.ID] = o
		rel, ok := scores[o.HostID]
		if !ok {
			if rel, err = source.Reliability(ctx, o.HostID); err != nil {
				return nil, fmt.Errorf("reliability for %s: %w", o.HostID, err)
			}
			scores[o.HostID] = rel
		}
		cands = append(cands, matching.Candidate{
			OfferID:     o.ID,
			HostID:      o.HostID,
			Price:       o.Price,
			Window:      o.Interval,
			SubmittedAt: o.SubmittedAt,
			Reliability: rel,
		})
	}
	w := e.cfg().Matching.Weights
	ranked := matching.Rank(matching.Post{MaxPrice: post.MaxPrice, Window: post.Interval}, cands,
		matching.Weights{Price: w.Price, Overlap: w.Overlap, Reliability: w.Reliability})
	out := make([]domain.OfferView, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, domain.OfferView{
			Offer: byID[r.OfferID],
			Score: r.Score,
			Components: domain.ScoreComponents{
				Price:       r.Components.Price,
				Overlap:     r.Components.Overlap,
				Reliability: r.Components.Reliability,
			},
			Rank: r.Rank,
		})
	}
	return out, nil
}

// ListOffers returns offers on a post in submission order; empty status
// lists all of them.
func (e Engine) ListOffers(ctx context.Context, postID string, status domain.OfferStatus) ([]domain.Offer, error) {
	if _, err := e.Repo.GetPost(ctx, postID); err != nil {
		return nil, err
	}
	return e.Repo.ListOffers(ctx, postID, status)
}

func (e Engine) GetOffer(ctx context.Context, id string) (domain.Offer, error) {
	return e.Repo.GetOffer(ctx, id)
}

// CloseBudgetPost closes a matched post once its reservation is over.
func (e Engine) CloseBudgetPost(ctx context.Context, postID, clientID string) (domain.BudgetPost, error) {
	var post domain.BudgetPost
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		post, err = e.Repo.GetPostTx(ctx, tx, postID)
		if err != nil {
			return err
		}
		if err := e.auth().RequireOwner(post.ClientID, clientID, "post.close"); err != nil {
			return err
		}
		noop, err := lifecycle.EnsurePost(post.Status, domain.PostClosed)
		if err != nil || noop {
			return err
		}
		accepted, err := e.Repo.ListOffersTx(ctx, tx, post.ID, domain.OfferAccepted)
		if err != nil {
			return err
		}
		for _, o := range accepted {
			rv, err := e.Repo.GetReservationTx(ctx, tx, o.ReservationID)
			if err != nil {
				return err
			}
			if !lifecycle.ReservationTerminal(rv.Status) {
				return domain.ValidationError{Field: "status", Reason: fmt.Sprintf("reservation %s is still %s", rv.ID, rv.Status)}
			}
		}
		if err := e.closeMatchedPostTx(ctx, tx, post.ID, clientID, e.now()); err != nil {
			return err
		}
		post, err = e.Repo.GetPostTx(ctx, tx, post.ID)
		return err
	})
	if err != nil {
		return domain.BudgetPost{}, err
	}
	return post, nil
}

func (e Engine) closeMatchedPostTx(ctx context.Context, tx *sql.Tx, postID, actorID string, now time.Time) error {
	post, err := e.Repo.GetPostTx(ctx, tx, postID)
	if err != nil {
		return err
	}
	if post.Status != domain.PostMatched {
		return nil
	}
	post.Status = domain.PostClosed
	post.UpdatedAt = now
	if err := e.Repo.TransitionPostTx(ctx, tx, &post, domain.PostMatched); err != nil {
		return err
	}
	return e.events().Append(ctx, tx, "post.closed", "budget_post", post.ID, actorID, nil)
}

func offerPayload(o domain.Offer) map[string]any {
	return map[string]any{
		"offer_id":    o.ID,
		"post_id":     o.PostID,
		"resource_id": o.ResourceID,
		"status":      string(o.Status),
		"price":       o.Price,
		"start":       o.Interval.Start.Format(time.RFC3339),
		"end":         o.Interval.End.Format(time.RFC3339),
	}
}
