package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"kerya/internal/config"
	"kerya/internal/db"
	"kerya/internal/domain"
	"kerya/internal/engine/auth"
	"kerya/internal/events"
	"kerya/internal/interval"
	"kerya/internal/jobs"
	"kerya/internal/matching"
	"kerya/internal/repo"
	"kerya/internal/retry"
)

// Authorizer answers ownership questions for the engine. Identity itself is
// established upstream.
type Authorizer interface {
	RequireOwner(ownerID, actorID, action string) error
	Party(hostID, clientID, actorID, action string) (auth.Role, error)
}

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Config      *config.Config
	Now         func() time.Time
	Auth        Authorizer
	Reliability matching.ReliabilitySource
	Jobs        jobs.Publisher
	Snapshots   *SnapshotCache
	Log         *logrus.Entry
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: conn, Dialect: dialect, Retry: retry.NewManager(cfg.Retry.Attempts, cfg.Retry.BaseDelay)}
	return Engine{
		DB:          conn,
		Repo:        r,
		Events:      events.Writer{Dialect: dialect},
		Config:      cfg,
		Now:         time.Now,
		Auth:        auth.NewService(cfg.Admins),
		Reliability: HostReliability{Repo: r, Default: cfg.Matching.DefaultReliability},
		Snapshots:   NewSnapshotCache(1024),
		Log:         logrus.NewEntry(logrus.StandardLogger()),
	}
}

// now is truncated to storage precision so comparisons against stored
// timestamps agree with comparisons made in memory.
func (e Engine) now() time.Time {
	clock := e.Now
	if clock == nil {
		clock = time.Now
	}
	return clock().UTC().Truncate(interval.Precision)
}

// events stamps entries with the engine clock unless the writer has its own.
func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) auth() Authorizer {
	if e.Auth == nil {
		return auth.Service{}
	}
	return e.Auth
}

func (e Engine) log() *logrus.Entry {
	if e.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return e.Log
}

func (e Engine) cfg() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func newID() string {
	return uuid.NewString()
}

// notice is a side effect published once its transaction has committed.
type notice struct {
	event      string
	recipients []string
	payload    map[string]any
}

// dispatch hands notices to the job queue. Failures are logged, never
// returned: the state change they describe is already durable.
func (e Engine) dispatch(ctx context.Context, notices ...notice) {
	if e.Jobs == nil {
		return
	}
	for _, n := range notices {
		job := jobs.New(jobs.TypeNotify, map[string]any{
			"event":      n.event,
			"recipients": n.recipients,
			"payload":    n.payload,
		})
		if err := e.publish(ctx, job); err != nil {
			e.log().WithError(err).WithField("event", n.event).Warn("failed to enqueue notification")
		}
	}
}

func (e Engine) enqueueRank(ctx context.Context, postID string) {
	if e.Jobs == nil {
		return
	}
	if err := e.publish(ctx, jobs.New(jobs.TypeRankOffers, map[string]any{"post_id": postID})); err != nil {
		e.log().WithError(err).WithField("post_id", postID).Warn("failed to enqueue ranking")
	}
}

// publish outlives the caller's cancellation but not queue.publish_timeout,
// so a backed up queue drops the job instead of stalling the request.
func (e Engine) publish(ctx context.Context, job *jobs.Job) error {
	timeout := e.cfg().Queue.PublishTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return e.Jobs.Publish(ctx, job)
}

func (e Engine) invalidate(resourceIDs ...string) {
	if e.Snapshots == nil {
		return
	}
	for _, id := range resourceIDs {
		e.Snapshots.Invalidate(id)
	}
}

// lostRace turns a failed optimistic predicate into the conflict the caller sees.
func lostRace(err error, resourceID string) error {
	if errors.Is(err, repo.ErrStale) {
		return domain.ConflictError{ResourceID: resourceID}
	}
	return err
}
