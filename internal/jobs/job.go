package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	// TypeNotify delivers a notification to the configured sink.
	TypeNotify Type = "notify"
	// TypeSweep expires lapsed holds and budget posts.
	TypeSweep Type = "sweep_expired"
	// TypeRankOffers recomputes a post's ranking and tells the client who leads.
	TypeRankOffers Type = "rank_offers"
)

const defaultMaxRetries = 5

// Job is a discrete unit of background work. Handlers must be idempotent:
// a job may run more than once.
type Job struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Data       map[string]any `json:"data"`
	ExecuteAt  time.Time      `json:"execute_at"`
	CreatedAt  time.Time      `json:"created_at"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
}

func New(t Type, data map[string]any) *Job {
	if data == nil {
		data = map[string]any{}
	}
	return &Job{
		ID:         uuid.NewString(),
		Type:       t,
		Data:       data,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: defaultMaxRetries,
	}
}

func (j *Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return fmt.Errorf("job ID is required")
	}
	if strings.TrimSpace(string(j.Type)) == "" {
		return fmt.Errorf("job type is required")
	}
	if j.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	return nil
}

func (j *Job) GetString(key string) (string, bool) {
	v, ok := j.Data[key].(string)
	return v, ok
}

// GetStrings returns a string list, whether it was stored as []string or
// decoded from JSON as []any.
func (j *Job) GetStrings(key string) []string {
	switch v := j.Data[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// GetMap returns a nested object, tolerating both in-process maps and
// values that went through JSON.
func (j *Job) GetMap(key string) map[string]any {
	if m, ok := j.Data[key].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Handler processes one job.
type Handler func(ctx context.Context, job *Job) error

// Publisher accepts jobs for asynchronous execution.
type Publisher interface {
	Publish(ctx context.Context, job *Job) error
}

// Queue is a Publisher that can also be consumed.
type Queue interface {
	Publisher
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// Registry dispatches jobs to handlers by type.
type Registry map[Type]Handler

func (r Registry) Handle(ctx context.Context, job *Job) error {
	h, ok := r[job.Type]
	if !ok {
		return PermanentError{Err: fmt.Errorf("no handler for job type %s", job.Type)}
	}
	return h(ctx, job)
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }
