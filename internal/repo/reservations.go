package repo

import (
	"context"
	"database/sql"
	"time"

	"kerya/internal/domain"
)

const reservationColumns = `id,reference,resource_id,client_id,start_at,end_at,guests,amount,currency,status,offer_id,hold_expires_at,refund_fraction,version,created_at,updated_at,closed_at`

func scanReservation(row scanner) (domain.Reservation, error) {
	var rv domain.Reservation
	var start, end, created, updated string
	var offerID, hold, closed sql.NullString
	var refund sql.NullFloat64
	err := row.Scan(&rv.ID, &rv.Reference, &rv.ResourceID, &rv.ClientID, &start, &end, &rv.Guests, &rv.Amount,
		&rv.Currency, &rv.Status, &offerID, &hold, &refund, &rv.Version, &created, &updated, &closed)
	if err == sql.ErrNoRows {
		return rv, ErrNotFound
	}
	if err != nil {
		return rv, err
	}
	if rv.Interval.Start, err = ParseTime(start); err != nil {
		return rv, err
	}
	if rv.Interval.End, err = ParseTime(end); err != nil {
		return rv, err
	}
	if rv.CreatedAt, err = ParseTime(created); err != nil {
		return rv, err
	}
	if rv.UpdatedAt, err = ParseTime(updated); err != nil {
		return rv, err
	}
	if rv.HoldExpiresAt, err = parseNullTime(hold); err != nil {
		return rv, err
	}
	if rv.ClosedAt, err = parseNullTime(closed); err != nil {
		return rv, err
	}
	rv.OfferID = offerID.String
	if refund.Valid {
		f := refund.Float64
		rv.Refund = &f
	}
	return rv, nil
}

func (r Repo) InsertReservationTx(ctx context.Context, tx *sql.Tx, rv domain.Reservation) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO reservations(`+reservationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		rv.ID, rv.Reference, rv.ResourceID, rv.ClientID, FormatTime(rv.Interval.Start), FormatTime(rv.Interval.End),
		rv.Guests, rv.Amount, rv.Currency, rv.Status, nullable(rv.OfferID), nullTime(rv.HoldExpiresAt), nullFloat(rv.Refund),
		rv.Version, FormatTime(rv.CreatedAt), FormatTime(rv.UpdatedAt), nullTime(rv.ClosedAt))
	return err
}

func (r Repo) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	return r.GetReservationTx(ctx, nil, id)
}

func (r Repo) GetReservationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Reservation, error) {
	return scanReservation(r.conn(tx).QueryRowContext(ctx, r.q(`SELECT `+reservationColumns+` FROM reservations WHERE id=?`), id))
}

// TransitionReservationTx writes rv's new status only if the stored row is
// still at (from, rv.Version). rv.Version is advanced on success.
func (r Repo) TransitionReservationTx(ctx context.Context, tx *sql.Tx, rv *domain.Reservation, from domain.ReservationStatus) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE reservations SET status=?,hold_expires_at=?,refund_fraction=?,closed_at=?,updated_at=?,version=version+1 WHERE id=? AND status=? AND version=?`),
		rv.Status, nullTime(rv.HoldExpiresAt), nullFloat(rv.Refund), nullTime(rv.ClosedAt), FormatTime(rv.UpdatedAt),
		rv.ID, from, rv.Version)
	if err != nil {
		return err
	}
	if err := affectedOne(res, ErrStale); err != nil {
		return err
	}
	rv.Version++
	return nil
}

type ReservationFilter struct {
	ResourceID string
	ClientID   string
	Status     string
	Limit      int
}

func (r Repo) ListReservations(ctx context.Context, f ReservationFilter) ([]domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE 1=1`
	var args []any
	if f.ResourceID != "" {
		query += ` AND resource_id=?`
		args = append(args, f.ResourceID)
	}
	if f.ClientID != "" {
		query += ` AND client_id=?`
		args = append(args, f.ClientID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY start_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryReservations(ctx, query, args...)
}

// ExpiredHolds lists pending holds whose window closed at or before now.
func (r Repo) ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	return r.queryReservations(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE status=? AND hold_expires_at<=? ORDER BY hold_expires_at, id LIMIT ?`,
		domain.ReservationPendingHold, FormatTime(now), limit)
}

func (r Repo) queryReservations(ctx context.Context, query string, args ...any) ([]domain.Reservation, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Reservation
	for rows.Next() {
		rv, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}
