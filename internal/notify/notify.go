// Package notify delivers domain notifications to external systems.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Notification is the envelope every sink receives.
type Notification struct {
	ID         string         `json:"id"`
	Event      string         `json:"event"`
	Recipients []string       `json:"recipients,omitempty"`
	Payload    map[string]any `json:"payload"`
	TS         time.Time      `json:"ts"`
}

type Sink interface {
	Notify(ctx context.Context, n Notification) error
	Close() error
}

// LogSink writes notifications to the application log.
type LogSink struct {
	Log *logrus.Entry
}

func (s LogSink) Notify(ctx context.Context, n Notification) error {
	log := s.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"notification_id": n.ID,
		"event":           n.Event,
		"recipients":      n.Recipients,
		"payload":         string(payload),
	}).Info("notification")
	return nil
}

func (LogSink) Close() error { return nil }

// Multi fans a notification out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
