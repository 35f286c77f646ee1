package engine

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"
	"time"

	"kerya/internal/domain"
	"kerya/internal/events"
)

const maxMessageLen = 4000

// subject is what a thread is about, reduced to what messaging needs.
type subject struct {
	hostID   string
	clientID string
	// closed reports whether the subject still accepts messages at now.
	closed func(now time.Time) bool
}

func (e Engine) loadSubject(ctx context.Context, tx *sql.Tx, st domain.SubjectType, id string) (subject, error) {
	switch st {
	case domain.SubjectReservation:
		rv, err := e.Repo.GetReservationTx(ctx, tx, id)
		if err != nil {
			return subject{}, err
		}
		res, err := e.Repo.GetResourceTx(ctx, tx, rv.ResourceID)
		if err != nil {
			return subject{}, err
		}
		grace := e.cfg().Messaging.GracePeriod
		return subject{hostID: res.OwnerID, clientID: rv.ClientID, closed: func(now time.Time) bool {
			switch rv.Status {
			case domain.ReservationRejected, domain.ReservationExpired:
				return true
			case domain.ReservationCompleted, domain.ReservationCancelledByHost, domain.ReservationCancelledByClient:
				return rv.ClosedAt == nil || !now.Before(rv.ClosedAt.Add(grace))
			}
			return false
		}}, nil
	case domain.SubjectOffer:
		o, err := e.Repo.GetOfferTx(ctx, tx, id)
		if err != nil {
			return subject{}, err
		}
		post, err := e.Repo.GetPostTx(ctx, tx, o.PostID)
		if err != nil {
			return subject{}, err
		}
		return subject{hostID: o.HostID, clientID: post.ClientID, closed: func(time.Time) bool {
			switch o.Status {
			case domain.OfferRejected, domain.OfferExpired, domain.OfferWithdrawn:
				return true
			}
			return false
		}}, nil
	}
	return subject{}, domain.ValidationError{Field: "subject_type", Reason: fmt.Sprintf("unknown subject type %q", st)}
}

func (e Engine) openThreadTx(ctx context.Context, tx *sql.Tx, st domain.SubjectType, subjectID string) (domain.Thread, error) {
	th, err := e.Repo.OpenThreadTx(ctx, tx, domain.Thread{ID: newID(), SubjectType: st, SubjectID: subjectID, CreatedAt: e.now()})
	if err != nil {
		return domain.Thread{}, fmt.Errorf("open thread: %w", err)
	}
	return th, nil
}

// OpenThread returns the thread of a reservation or offer, creating it on
// first use. Concurrent opens collapse onto one thread.
func (e Engine) OpenThread(ctx context.Context, st domain.SubjectType, subjectID, actorID string) (domain.Thread, error) {
	var th domain.Thread
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		subj, err := e.loadSubject(ctx, tx, st, subjectID)
		if err != nil {
			return err
		}
		if _, err := e.auth().Party(subj.hostID, subj.clientID, actorID, "thread.open"); err != nil {
			return err
		}
		th, err = e.openThreadTx(ctx, tx, st, subjectID)
		return err
	})
	if err != nil {
		return domain.Thread{}, err
	}
	return th, nil
}

func (e Engine) GetThread(ctx context.Context, id, actorID string) (domain.Thread, error) {
	th, err := e.Repo.GetThread(ctx, id)
	if err != nil {
		return domain.Thread{}, err
	}
	subj, err := e.loadSubject(ctx, nil, th.SubjectType, th.SubjectID)
	if err != nil {
		return domain.Thread{}, err
	}
	if _, err := e.auth().Party(subj.hostID, subj.clientID, actorID, "thread.read"); err != nil {
		return domain.Thread{}, err
	}
	return th, nil
}

// AppendMessage adds a message with the next sequence number of the thread.
// The sequence counter row stays locked until commit, so numbers are
// gap-free under concurrent appends.
func (e Engine) AppendMessage(ctx context.Context, threadID, senderID, body string) (domain.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.Message{}, domain.ValidationError{Field: "body", Reason: "required"}
	}
	if len(body) > maxMessageLen {
		return domain.Message{}, domain.ValidationError{Field: "body", Reason: fmt.Sprintf("longer than %d bytes", maxMessageLen)}
	}
	var msg domain.Message
	var recipient string
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		th, err := e.Repo.GetThreadTx(ctx, tx, threadID)
		if err != nil {
			return err
		}
		subj, err := e.loadSubject(ctx, tx, th.SubjectType, th.SubjectID)
		if err != nil {
			return err
		}
		if _, err := e.auth().Party(subj.hostID, subj.clientID, senderID, "message.append"); err != nil {
			return err
		}
		now := e.now()
		if subj.closed(now) {
			return domain.ThreadClosedError{ThreadID: th.ID, SubjectID: th.SubjectID}
		}
		seq, err := e.Repo.NextSeqTx(ctx, tx, th.ID)
		if err != nil {
			return err
		}
		msg = domain.Message{ThreadID: th.ID, Seq: seq, SenderID: senderID, Body: body, CreatedAt: now}
		if err := e.Repo.InsertMessageTx(ctx, tx, msg); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		recipient = subj.clientID
		if senderID == subj.clientID {
			recipient = subj.hostID
		}
		return e.events().Append(ctx, tx, "message.append", "thread", th.ID, senderID, events.EventPayload{"seq": seq})
	})
	if err != nil {
		return domain.Message{}, err
	}
	e.dispatch(ctx, notice{event: "message.new", recipients: []string{recipient}, payload: map[string]any{
		"thread_id": msg.ThreadID, "seq": msg.Seq, "sender_id": msg.SenderID,
	}})
	return msg, nil
}

// ListMessages yields the messages of a thread with seq > after, in order.
// The upper bound is the thread's last sequence number when ListMessages is
// called; messages appended later are not included. Pass the last seen seq
// as after to resume.
func (e Engine) ListMessages(ctx context.Context, threadID, actorID string, after int64) iter.Seq2[domain.Message, error] {
	th, err := e.GetThread(ctx, threadID, actorID)
	pageSize := e.cfg().Messaging.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return func(yield func(domain.Message, error) bool) {
		if err != nil {
			yield(domain.Message{}, err)
			return
		}
		cursor := after
		for cursor < th.LastSeq {
			page, err := e.Repo.MessagesPage(ctx, th.ID, cursor, th.LastSeq, pageSize)
			if err != nil {
				yield(domain.Message{}, err)
				return
			}
			if len(page) == 0 {
				return
			}
			for _, m := range page {
				if !yield(m, nil) {
					return
				}
				cursor = m.Seq
			}
		}
	}
}
