package repo

import (
	"context"
	"database/sql"
	"time"

	"kerya/internal/domain"
)

const offerColumns = `id,post_id,host_id,resource_id,start_at,end_at,price,status,reservation_id,version,submitted_at,updated_at`

func scanOffer(row scanner) (domain.Offer, error) {
	var o domain.Offer
	var start, end, submitted, updated string
	var reservationID sql.NullString
	err := row.Scan(&o.ID, &o.PostID, &o.HostID, &o.ResourceID, &start, &end, &o.Price, &o.Status, &reservationID,
		&o.Version, &submitted, &updated)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if o.Interval.Start, err = ParseTime(start); err != nil {
		return o, err
	}
	if o.Interval.End, err = ParseTime(end); err != nil {
		return o, err
	}
	if o.SubmittedAt, err = ParseTime(submitted); err != nil {
		return o, err
	}
	if o.UpdatedAt, err = ParseTime(updated); err != nil {
		return o, err
	}
	o.ReservationID = reservationID.String
	return o, nil
}

func (r Repo) InsertOfferTx(ctx context.Context, tx *sql.Tx, o domain.Offer) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO offers(`+offerColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
		o.ID, o.PostID, o.HostID, o.ResourceID, FormatTime(o.Interval.Start), FormatTime(o.Interval.End), o.Price,
		o.Status, nullable(o.ReservationID), o.Version, FormatTime(o.SubmittedAt), FormatTime(o.UpdatedAt))
	return err
}

func (r Repo) GetOffer(ctx context.Context, id string) (domain.Offer, error) {
	return r.GetOfferTx(ctx, nil, id)
}

func (r Repo) GetOfferTx(ctx context.Context, tx *sql.Tx, id string) (domain.Offer, error) {
	return scanOffer(r.conn(tx).QueryRowContext(ctx, r.q(`SELECT `+offerColumns+` FROM offers WHERE id=?`), id))
}

// TransitionOfferTx moves o to o.Status if the row is still at (from, o.Version).
func (r Repo) TransitionOfferTx(ctx context.Context, tx *sql.Tx, o *domain.Offer, from domain.OfferStatus) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE offers SET status=?,reservation_id=?,updated_at=?,version=version+1 WHERE id=? AND status=? AND version=?`),
		o.Status, nullable(o.ReservationID), FormatTime(o.UpdatedAt), o.ID, from, o.Version)
	if err != nil {
		return err
	}
	if err := affectedOne(res, ErrStale); err != nil {
		return err
	}
	o.Version++
	return nil
}

// ListOffers returns offers on a post in submission order. An empty status
// lists every offer.
func (r Repo) ListOffers(ctx context.Context, postID string, status domain.OfferStatus) ([]domain.Offer, error) {
	return r.ListOffersTx(ctx, nil, postID, status)
}

func (r Repo) ListOffersTx(ctx context.Context, tx *sql.Tx, postID string, status domain.OfferStatus) ([]domain.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE post_id=?`
	args := []any{postID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY submitted_at, id`
	rows, err := r.conn(tx).QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ClosePendingOffersTx moves every pending offer on the post, except the
// given one, to status and returns the affected offers.
func (r Repo) ClosePendingOffersTx(ctx context.Context, tx *sql.Tx, postID, except string, status domain.OfferStatus, now time.Time) ([]domain.Offer, error) {
	pending, err := r.ListOffersTx(ctx, tx, postID, domain.OfferPending)
	if err != nil {
		return nil, err
	}
	var closed []domain.Offer
	for _, o := range pending {
		if o.ID == except {
			continue
		}
		o.Status = status
		o.UpdatedAt = now
		if err := r.TransitionOfferTx(ctx, tx, &o, domain.OfferPending); err != nil {
			return nil, err
		}
		closed = append(closed, o)
	}
	return closed, nil
}
