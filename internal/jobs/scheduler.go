package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler publishes a job of the given type on a fixed interval.
type Scheduler struct {
	Publisher Publisher
	Type      Type
	Interval  time.Duration
	Log       *logrus.Entry
}

func (s Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Publisher.Publish(ctx, New(s.Type, nil)); err != nil && s.Log != nil {
				s.Log.WithError(err).WithField("type", s.Type).Error("failed to schedule job")
			}
		case <-ctx.Done():
			return nil
		}
	}
}
