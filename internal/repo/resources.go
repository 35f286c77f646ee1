package repo

import (
	"context"
	"database/sql"

	"kerya/internal/domain"
)

const resourceColumns = `id,owner_id,kind,title,status,capacity,timezone,cancellation_policy,horizon_days,min_stay_nights,currency,version,created_at,updated_at`

func scanResource(row scanner) (domain.Resource, error) {
	var res domain.Resource
	var created, updated string
	err := row.Scan(&res.ID, &res.OwnerID, &res.Kind, &res.Title, &res.Status, &res.Capacity, &res.Timezone,
		&res.CancellationPolicy, &res.HorizonDays, &res.MinStayNights, &res.Currency, &res.Version, &created, &updated)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	if res.CreatedAt, err = ParseTime(created); err != nil {
		return res, err
	}
	res.UpdatedAt, err = ParseTime(updated)
	return res, err
}

func (r Repo) InsertResourceTx(ctx context.Context, tx *sql.Tx, res domain.Resource) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO resources(`+resourceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		res.ID, res.OwnerID, res.Kind, res.Title, res.Status, res.Capacity, res.Timezone, res.CancellationPolicy,
		res.HorizonDays, res.MinStayNights, res.Currency, res.Version, FormatTime(res.CreatedAt), FormatTime(res.UpdatedAt))
	return err
}

func (r Repo) GetResource(ctx context.Context, id string) (domain.Resource, error) {
	return r.GetResourceTx(ctx, nil, id)
}

func (r Repo) GetResourceTx(ctx context.Context, tx *sql.Tx, id string) (domain.Resource, error) {
	return scanResource(r.conn(tx).QueryRowContext(ctx, r.q(`SELECT `+resourceColumns+` FROM resources WHERE id=?`), id))
}

// LockResourceTx serializes booking work on one resource for the rest of tx.
// On postgres the update takes the row lock; on sqlite the immediate
// transaction already holds the write lock and the bump only feeds
// snapshot invalidation.
func (r Repo) LockResourceTx(ctx context.Context, tx *sql.Tx, id string) (domain.Resource, error) {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE resources SET lock_version=lock_version+1 WHERE id=?`), id)
	if err != nil {
		return domain.Resource{}, err
	}
	if err := affectedOne(res, ErrNotFound); err != nil {
		return domain.Resource{}, err
	}
	return r.GetResourceTx(ctx, tx, id)
}

// ResourceLockVersion returns the counter bumped by every booking unit of work.
func (r Repo) ResourceLockVersion(ctx context.Context, id string) (int64, error) {
	var v int64
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT lock_version FROM resources WHERE id=?`), id).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return v, err
}

func (r Repo) UpdateResourceTx(ctx context.Context, tx *sql.Tx, res domain.Resource) error {
	out, err := tx.ExecContext(ctx, r.q(`UPDATE resources SET kind=?,title=?,status=?,capacity=?,timezone=?,cancellation_policy=?,horizon_days=?,min_stay_nights=?,currency=?,version=version+1,updated_at=? WHERE id=? AND version=?`),
		res.Kind, res.Title, res.Status, res.Capacity, res.Timezone, res.CancellationPolicy, res.HorizonDays,
		res.MinStayNights, res.Currency, FormatTime(res.UpdatedAt), res.ID, res.Version)
	if err != nil {
		return err
	}
	return affectedOne(out, ErrStale)
}

func (r Repo) ResourceHasReservationsTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, r.q(`SELECT 1 FROM reservations WHERE resource_id=? LIMIT 1`), id).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListResources(ctx context.Context, ownerID string) ([]domain.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE status<>'deleted'`
	var args []any
	if ownerID != "" {
		query += ` AND owner_id=?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
