package repo

import (
	"context"
	"database/sql"

	"kerya/internal/domain"
)

func scanThread(row scanner) (domain.Thread, error) {
	var th domain.Thread
	var created string
	err := row.Scan(&th.ID, &th.SubjectType, &th.SubjectID, &th.LastSeq, &created)
	if err == sql.ErrNoRows {
		return th, ErrNotFound
	}
	if err != nil {
		return th, err
	}
	th.CreatedAt, err = ParseTime(created)
	return th, err
}

// OpenThreadTx inserts th unless a thread for the same subject exists, and
// returns whichever thread owns the subject.
func (r Repo) OpenThreadTx(ctx context.Context, tx *sql.Tx, th domain.Thread) (domain.Thread, error) {
	if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO threads(id,subject_type,subject_id,last_seq,created_at) VALUES (?,?,?,0,?) ON CONFLICT(subject_type,subject_id) DO NOTHING`),
		th.ID, th.SubjectType, th.SubjectID, FormatTime(th.CreatedAt)); err != nil {
		return domain.Thread{}, err
	}
	return scanThread(tx.QueryRowContext(ctx, r.q(`SELECT id,subject_type,subject_id,last_seq,created_at FROM threads WHERE subject_type=? AND subject_id=?`),
		th.SubjectType, th.SubjectID))
}

func (r Repo) GetThread(ctx context.Context, id string) (domain.Thread, error) {
	return r.GetThreadTx(ctx, nil, id)
}

func (r Repo) GetThreadTx(ctx context.Context, tx *sql.Tx, id string) (domain.Thread, error) {
	return scanThread(r.conn(tx).QueryRowContext(ctx, r.q(`SELECT id,subject_type,subject_id,last_seq,created_at FROM threads WHERE id=?`), id))
}

func (r Repo) GetThreadBySubject(ctx context.Context, subjectType domain.SubjectType, subjectID string) (domain.Thread, error) {
	return scanThread(r.DB.QueryRowContext(ctx, r.q(`SELECT id,subject_type,subject_id,last_seq,created_at FROM threads WHERE subject_type=? AND subject_id=?`),
		subjectType, subjectID))
}

// NextSeqTx reserves the next sequence number of a thread. The row stays
// locked until tx ends, so concurrent appends queue behind each other.
func (r Repo) NextSeqTx(ctx context.Context, tx *sql.Tx, threadID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, r.q(`UPDATE threads SET last_seq=last_seq+1 WHERE id=? RETURNING last_seq`), threadID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return seq, err
}

func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO messages(thread_id,seq,sender_id,body,created_at) VALUES (?,?,?,?,?)`),
		m.ThreadID, m.Seq, m.SenderID, m.Body, FormatTime(m.CreatedAt))
	return err
}

// MessagesPage returns up to limit messages with after < seq <= upTo.
func (r Repo) MessagesPage(ctx context.Context, threadID string, after, upTo int64, limit int) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT thread_id,seq,sender_id,body,created_at FROM messages WHERE thread_id=? AND seq>? AND seq<=? ORDER BY seq LIMIT ?`),
		threadID, after, upTo, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var created string
		if err := rows.Scan(&m.ThreadID, &m.Seq, &m.SenderID, &m.Body, &created); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
