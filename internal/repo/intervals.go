package repo

import (
	"context"
	"database/sql"

	"kerya/internal/domain"
	"kerya/internal/interval"
)

// Hold is a committed interval together with the status of its reservation.
type Hold struct {
	interval.Entry
	Status domain.ReservationStatus
}

// CommitIntervalTx records that reservationID occupies iv on the resource.
// Callers must have checked overlaps in the same transaction.
func (r Repo) CommitIntervalTx(ctx context.Context, tx *sql.Tx, resourceID, reservationID string, iv interval.Interval) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO resource_intervals(reservation_id,resource_id,start_at,end_at) VALUES (?,?,?,?)`),
		reservationID, resourceID, FormatTime(iv.Start), FormatTime(iv.End))
	return err
}

// ReleaseIntervalTx frees whatever interval reservationID held. Releasing
// twice is harmless.
func (r Repo) ReleaseIntervalTx(ctx context.Context, tx *sql.Tx, reservationID string) error {
	_, err := tx.ExecContext(ctx, r.q(`DELETE FROM resource_intervals WHERE reservation_id=?`), reservationID)
	return err
}

// OverlappingTx returns the holds on resourceID that share any instant with
// iv, excluding the given reservation.
func (r Repo) OverlappingTx(ctx context.Context, tx *sql.Tx, resourceID string, iv interval.Interval, exclude string) ([]Hold, error) {
	rows, err := r.conn(tx).QueryContext(ctx, r.q(`
SELECT ri.reservation_id, ri.start_at, ri.end_at, rv.status
FROM resource_intervals ri
JOIN reservations rv ON rv.id=ri.reservation_id
WHERE ri.resource_id=? AND ri.start_at<? AND ri.end_at>? AND ri.reservation_id<>?
ORDER BY ri.start_at, ri.reservation_id`),
		resourceID, FormatTime(iv.End), FormatTime(iv.Start), exclude)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Hold
	for rows.Next() {
		var h Hold
		var start, end string
		if err := rows.Scan(&h.ID, &start, &end, &h.Status); err != nil {
			return nil, err
		}
		if h.Start, err = ParseTime(start); err != nil {
			return nil, err
		}
		if h.End, err = ParseTime(end); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r Repo) OverlapsTx(ctx context.Context, tx *sql.Tx, resourceID string, iv interval.Interval) (bool, error) {
	holds, err := r.OverlappingTx(ctx, tx, resourceID, iv, "")
	if err != nil {
		return false, err
	}
	return len(holds) > 0, nil
}

// ListIntervals loads every committed interval of a resource.
func (r Repo) ListIntervals(ctx context.Context, resourceID string) ([]interval.Entry, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT reservation_id,start_at,end_at FROM resource_intervals WHERE resource_id=? ORDER BY start_at`), resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []interval.Entry
	for rows.Next() {
		var e interval.Entry
		var start, end string
		if err := rows.Scan(&e.ID, &start, &end); err != nil {
			return nil, err
		}
		if e.Start, err = ParseTime(start); err != nil {
			return nil, err
		}
		if e.End, err = ParseTime(end); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
