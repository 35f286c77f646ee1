package repo

import (
	"context"
	"database/sql"
	"time"
)

// HostReliability returns the stored score for a host; ok is false when
// the host has no record yet.
func (r Repo) HostReliability(ctx context.Context, hostID string) (score float64, ok bool, err error) {
	err = r.DB.QueryRowContext(ctx, r.q(`SELECT reliability FROM host_stats WHERE host_id=?`), hostID).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

func (r Repo) SetHostReliability(ctx context.Context, hostID string, score float64, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO host_stats(host_id,reliability,updated_at) VALUES (?,?,?)
ON CONFLICT(host_id) DO UPDATE SET reliability=excluded.reliability, updated_at=excluded.updated_at`),
		hostID, score, FormatTime(now))
	return err
}
