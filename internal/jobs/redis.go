package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"kerya/internal/retry"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string

	Workers      int
	BaseDelay    time.Duration
	PollTimeout  time.Duration
	PromoteEvery time.Duration
}

// RedisQueue keeps immediate jobs in a list, delayed jobs in a sorted set
// scored by due time, and in-flight jobs in a processing list so a crashed
// worker does not lose them.
type RedisQueue struct {
	client     *redis.Client
	main       string
	delayed    string
	processing string
	dlq        string

	cfg   RedisConfig
	retry *retry.Manager
	log   *logrus.Entry

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// DialRedis opens a client and pings it.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func NewRedisQueue(client *redis.Client, cfg RedisConfig, log *logrus.Entry) *RedisQueue {
	if cfg.Prefix == "" {
		cfg.Prefix = "kerya"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.PromoteEvery <= 0 {
		cfg.PromoteEvery = time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	q := &RedisQueue{
		client:     client,
		main:       cfg.Prefix + ":jobs",
		delayed:    cfg.Prefix + ":jobs:delayed",
		processing: cfg.Prefix + ":jobs:processing",
		dlq:        cfg.Prefix + ":jobs:dlq",
		cfg:        cfg,
		retry:      retry.NewManager(defaultMaxRetries, cfg.BaseDelay),
		log:        log.WithField("queue", "redis"),
		stop:       make(chan struct{}),
	}
	q.log.WithFields(logrus.Fields{"main": q.main, "delayed": q.delayed, "dlq": q.dlq}).Info("redis queue initialized")
	return q
}

func (q *RedisQueue) Publish(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job cannot be nil")
	}
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if !job.ExecuteAt.IsZero() && job.ExecuteAt.After(time.Now()) {
		err = q.client.ZAdd(ctx, q.delayed, redis.Z{
			Score:  float64(job.ExecuteAt.UnixMilli()),
			Member: data,
		}).Err()
		if err != nil {
			return fmt.Errorf("failed to publish delayed job: %w", err)
		}
		return nil
	}
	if err := q.client.LPush(ctx, q.main, data).Err(); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

// PromoteDue moves delayed jobs whose due time has passed onto the main list.
// Each member is pushed only by the caller that removed it, so concurrent
// promoters never duplicate a job.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	due, err := q.client.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed jobs: %w", err)
	}
	moved := 0
	for _, member := range due {
		removed, err := q.client.ZRem(ctx, q.delayed, member).Result()
		if err != nil {
			return moved, fmt.Errorf("failed to claim delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.main, member).Err(); err != nil {
			return moved, fmt.Errorf("failed to promote delayed job: %w", err)
		}
		moved++
	}
	return moved, nil
}

// ProcessOne pops a single job and runs it. It reports false when the poll
// timed out with nothing to do.
func (q *RedisQueue) ProcessOne(ctx context.Context, handler Handler) (bool, error) {
	raw, err := q.client.BRPopLPush(ctx, q.main, q.processing, q.cfg.PollTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to move job to processing: %w", err)
	}
	defer func() {
		if err := q.client.LRem(context.WithoutCancel(ctx), q.processing, 1, raw).Err(); err != nil {
			q.log.WithError(err).Warn("failed to remove job from processing list")
		}
	}()

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.moveToDLQ(ctx, Job{ID: "unknown"}, fmt.Errorf("invalid job format: %w", err))
		return true, nil
	}
	job.Attempts++
	runErr := handler(ctx, &job)
	if runErr == nil {
		return true, nil
	}
	entry := q.log.WithFields(logrus.Fields{"job_id": job.ID, "type": job.Type, "attempt": job.Attempts})
	var perm PermanentError
	if !errors.As(runErr, &perm) && job.Attempts < job.MaxRetries {
		delay := q.retry.Backoff(job.Attempts)
		job.ExecuteAt = time.Now().Add(delay)
		entry.WithError(runErr).WithField("delay", delay).Warn("job failed, retrying")
		if err := q.Publish(ctx, &job); err != nil {
			return true, err
		}
		return true, nil
	}
	entry.WithError(runErr).Error("job moved to dead letters")
	q.moveToDLQ(ctx, job, runErr)
	return true, nil
}

func (q *RedisQueue) moveToDLQ(ctx context.Context, job Job, cause error) {
	data, err := json.Marshal(DeadLetter{Job: job, Error: cause.Error(), FailedAt: time.Now().UTC()})
	if err != nil {
		q.log.WithError(err).Error("failed to marshal dead letter")
		return
	}
	if err := q.client.LPush(ctx, q.dlq, data).Err(); err != nil {
		q.log.WithError(err).Error("failed to push dead letter")
	}
}

func (q *RedisQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	raw, err := q.client.LRange(ctx, q.dlq, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// Subscribe starts the workers and the delayed-job promoter.
func (q *RedisQueue) Subscribe(ctx context.Context, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	q.wg.Add(1)
	go q.promote(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, handler)
	}
	q.log.WithField("workers", q.cfg.Workers).Info("redis queue subscriber started")
	return nil
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		default:
		}
		if _, err := q.ProcessOne(ctx, handler); err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.WithError(err).Error("error processing job")
			select {
			case <-time.After(time.Second):
			case <-q.stop:
				return
			}
		}
	}
}

func (q *RedisQueue) promote(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PromoteEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case now := <-ticker.C:
			if n, err := q.PromoteDue(ctx, now); err != nil {
				q.log.WithError(err).Error("failed to promote delayed jobs")
			} else if n > 0 {
				q.log.WithField("count", n).Debug("promoted delayed jobs")
			}
		}
	}
}

// Close stops the workers and closes the client.
func (q *RedisQueue) Close() error {
	q.stopOnce.Do(func() { close(q.stop) })
	q.wg.Wait()
	return q.client.Close()
}
