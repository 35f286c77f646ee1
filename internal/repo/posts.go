package repo

import (
	"context"
	"database/sql"
	"time"

	"kerya/internal/domain"
)

const postColumns = `id,client_id,category,start_at,end_at,max_price,currency,status,expires_at,version,created_at,updated_at`

func scanPost(row scanner) (domain.BudgetPost, error) {
	var p domain.BudgetPost
	var start, end, expires, created, updated string
	err := row.Scan(&p.ID, &p.ClientID, &p.Category, &start, &end, &p.MaxPrice, &p.Currency, &p.Status, &expires,
		&p.Version, &created, &updated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&p.Interval.Start, start}, {&p.Interval.End, end}, {&p.ExpiresAt, expires}, {&p.CreatedAt, created}, {&p.UpdatedAt, updated}} {
		if *f.dst, err = ParseTime(f.src); err != nil {
			return p, err
		}
	}
	return p, nil
}

func (r Repo) InsertPostTx(ctx context.Context, tx *sql.Tx, p domain.BudgetPost) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO budget_posts(`+postColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
		p.ID, p.ClientID, p.Category, FormatTime(p.Interval.Start), FormatTime(p.Interval.End), p.MaxPrice, p.Currency,
		p.Status, FormatTime(p.ExpiresAt), p.Version, FormatTime(p.CreatedAt), FormatTime(p.UpdatedAt))
	return err
}

func (r Repo) GetPost(ctx context.Context, id string) (domain.BudgetPost, error) {
	return r.GetPostTx(ctx, nil, id)
}

func (r Repo) GetPostTx(ctx context.Context, tx *sql.Tx, id string) (domain.BudgetPost, error) {
	return scanPost(r.conn(tx).QueryRowContext(ctx, r.q(`SELECT `+postColumns+` FROM budget_posts WHERE id=?`), id))
}

// TransitionPostTx moves p to p.Status if the row is still at (from, p.Version).
func (r Repo) TransitionPostTx(ctx context.Context, tx *sql.Tx, p *domain.BudgetPost, from domain.PostStatus) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE budget_posts SET status=?,updated_at=?,version=version+1 WHERE id=? AND status=? AND version=?`),
		p.Status, FormatTime(p.UpdatedAt), p.ID, from, p.Version)
	if err != nil {
		return err
	}
	if err := affectedOne(res, ErrStale); err != nil {
		return err
	}
	p.Version++
	return nil
}

// ExpiredPosts lists open posts whose expiry is at or before now.
func (r Repo) ExpiredPosts(ctx context.Context, now time.Time, limit int) ([]domain.BudgetPost, error) {
	return r.queryPosts(ctx, `SELECT `+postColumns+` FROM budget_posts WHERE status=? AND expires_at<=? ORDER BY expires_at, id LIMIT ?`,
		domain.PostOpen, FormatTime(now), limit)
}

func (r Repo) ListPosts(ctx context.Context, clientID, status string) ([]domain.BudgetPost, error) {
	query := `SELECT ` + postColumns + ` FROM budget_posts WHERE 1=1`
	var args []any
	if clientID != "" {
		query += ` AND client_id=?`
		args = append(args, clientID)
	}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id`
	return r.queryPosts(ctx, query, args...)
}

func (r Repo) queryPosts(ctx context.Context, query string, args ...any) ([]domain.BudgetPost, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BudgetPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
