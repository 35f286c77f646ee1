// Package app assembles the engine, job queue, notification sink and HTTP
// server from configuration.
package app

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"kerya/internal/config"
	"kerya/internal/db"
	"kerya/internal/domain"
	"kerya/internal/engine"
	"kerya/internal/jobs"
	"kerya/internal/migrate"
	"kerya/internal/notify"
)

// NewLogger builds a logger from the log section of the config.
func NewLogger(level, format string) *logrus.Logger {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	if strings.EqualFold(format, "json") {
		log.SetFormatter(new(logrus.JSONFormatter))
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// OpenDatabase opens the configured store and applies pending migrations.
func OpenDatabase(workspace string, cfg *config.Config) (*sql.DB, db.Dialect, error) {
	dbCfg := db.Config{Workspace: workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN}
	dialect := dbCfg.Dialect()
	if dialect == db.SQLite {
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return nil, "", err
		}
	}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, "", err
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("migrate: %w", err)
	}
	return conn, dialect, nil
}

// NewSink returns the notification sink named by notify.sink.
func NewSink(cfg *config.Config, log *logrus.Entry) (notify.Sink, error) {
	n := cfg.Notify
	switch n.Sink {
	case "", "log":
		return notify.LogSink{Log: log}, nil
	case "webhook":
		return notify.NewWebhook(n.Webhook.URL, n.Webhook.Secret, n.Webhook.Timeout), nil
	case "kafka":
		return notify.NewKafka(n.Kafka.Brokers, n.Kafka.Topic), nil
	case "amqp":
		return notify.DialAMQP(n.AMQP.URL, n.AMQP.Queue)
	}
	return nil, fmt.Errorf("unknown notify sink %q", n.Sink)
}

// NewQueue returns the job queue named by queue.driver.
func NewQueue(ctx context.Context, cfg *config.Config, log *logrus.Entry) (jobs.Queue, error) {
	q := cfg.Queue
	switch q.Driver {
	case "", "memory":
		return jobs.NewMemoryQueue(q.Workers, q.BaseDelay, log), nil
	case "redis":
		rc := jobs.RedisConfig{
			Addr:      q.Redis.Addr,
			Password:  q.Redis.Password,
			DB:        q.Redis.DB,
			Prefix:    q.Redis.Prefix,
			Workers:   q.Workers,
			BaseDelay: q.BaseDelay,
		}
		client, err := jobs.DialRedis(ctx, rc)
		if err != nil {
			return nil, err
		}
		return jobs.NewRedisQueue(client, rc, log), nil
	}
	return nil, fmt.Errorf("unknown queue driver %q", q.Driver)
}

// Handlers maps every job type the engine publishes to its handler.
func Handlers(e engine.Engine, sink notify.Sink) jobs.Registry {
	return jobs.Registry{
		jobs.TypeNotify: func(ctx context.Context, job *jobs.Job) error {
			event, ok := job.GetString("event")
			if !ok || event == "" {
				return jobs.PermanentError{Err: errors.New("notify job without event")}
			}
			return sink.Notify(ctx, notify.Notification{
				ID:         job.ID,
				Event:      event,
				Recipients: job.GetStrings("recipients"),
				Payload:    job.GetMap("payload"),
				TS:         job.CreatedAt,
			})
		},
		jobs.TypeSweep: func(ctx context.Context, job *jobs.Job) error {
			_, err := e.SweepExpired(ctx)
			return err
		},
		jobs.TypeRankOffers: func(ctx context.Context, job *jobs.Job) error {
			postID, ok := job.GetString("post_id")
			if !ok || postID == "" {
				return jobs.PermanentError{Err: errors.New("rank job without post_id")}
			}
			return notifyLeader(ctx, e, sink, postID)
		},
	}
}

// notifyLeader tells the client which offer currently ranks first.
func notifyLeader(ctx context.Context, e engine.Engine, sink notify.Sink, postID string) error {
	post, err := e.GetBudgetPost(ctx, postID)
	if err != nil {
		return jobs.PermanentError{Err: err}
	}
	if post.Status != domain.PostOpen {
		return nil
	}
	views, err := e.RankOffers(ctx, postID)
	if err != nil {
		return err
	}
	if len(views) == 0 {
		return nil
	}
	lead := views[0]
	return sink.Notify(ctx, notify.Notification{
		ID:         fmt.Sprintf("%s:%s:%d", postID, lead.Offer.ID, len(views)),
		Event:      "post.ranking",
		Recipients: []string{post.ClientID},
		Payload: map[string]any{
			"post_id":  postID,
			"offer_id": lead.Offer.ID,
			"price":    lead.Offer.Price,
			"score":    lead.Score,
			"offers":   len(views),
		},
		TS: time.Now().UTC(),
	})
}

// Runtime owns the background side of the service: the job consumers and
// the sweep scheduler.
type Runtime struct {
	Engine engine.Engine
	Queue  jobs.Queue
	Sink   notify.Sink
	Config *config.Config
	Log    *logrus.Entry
}

// NewRuntime builds the queue and sink and points the engine at the queue.
func NewRuntime(ctx context.Context, e engine.Engine, cfg *config.Config, log *logrus.Entry) (*Runtime, error) {
	sink, err := NewSink(cfg, log.WithField("component", "notify"))
	if err != nil {
		return nil, err
	}
	queue, err := NewQueue(ctx, cfg, log.WithField("component", "jobs"))
	if err != nil {
		sink.Close()
		return nil, err
	}
	e.Jobs = queue
	e.Log = log.WithField("component", "engine")
	return &Runtime{Engine: e, Queue: queue, Sink: sink, Config: cfg, Log: log}, nil
}

// Run consumes jobs and schedules sweeps until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	handlers := Handlers(r.Engine, r.Sink)
	if err := r.Queue.Subscribe(ctx, handlers.Handle); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	if r.Config.Sweep.Interval > 0 {
		g.Go(func() error {
			return jobs.Scheduler{
				Publisher: r.Queue,
				Type:      jobs.TypeSweep,
				Interval:  r.Config.Sweep.Interval,
				Log:       r.Log.WithField("component", "scheduler"),
			}.Start(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// Serve runs the HTTP handler next to the background runtime and shuts both
// down when ctx is cancelled.
func (r *Runtime) Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		MaxHeaderBytes:    1 << 20,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.Log.WithField("addr", addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return r.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.Log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (r *Runtime) Close() error {
	return errors.Join(r.Queue.Close(), r.Sink.Close())
}
