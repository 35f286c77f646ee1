package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sample = Notification{
	ID:         "n-1",
	Event:      "reservation.confirmed",
	Recipients: []string{"client-1"},
	Payload:    map[string]any{"reservation_id": "r-1"},
	TS:         time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
}

func TestWebhookDelivers(t *testing.T) {
	var got Notification
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, "s3cret", time.Second)
	require.NoError(t, hook.Notify(context.Background(), sample))
	assert.Equal(t, "reservation.confirmed", headers.Get("X-Kerya-Event"))
	assert.Equal(t, "n-1", headers.Get("X-Kerya-Delivery"))
	assert.Equal(t, "s3cret", headers.Get("X-Kerya-Secret"))
	assert.Equal(t, "r-1", got.Payload["reservation_id"])
}

func TestWebhookNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewWebhook(srv.URL, "", 0).Notify(context.Background(), sample)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestLogSinkWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})
	require.NoError(t, LogSink{Log: logrus.NewEntry(l)}.Notify(context.Background(), sample))
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "reservation.confirmed", line["event"])
	assert.Equal(t, "notification", line["msg"])
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaKeysByEvent(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w, topic: "kerya.notifications"}
	require.NoError(t, k.Notify(context.Background(), sample))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "reservation.confirmed", string(w.msgs[0].Key))
	var got Notification
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, sample.ID, got.ID)

	w.err = errors.New("broker down")
	assert.ErrorContains(t, k.Notify(context.Background(), sample), "broker down")
}

type fakeChannel struct {
	key string
	msg amqp.Publishing
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.key = key
	f.msg = msg
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestAMQPPublishesPersistent(t *testing.T) {
	ch := &fakeChannel{}
	a := &AMQP{channel: ch, queue: "kerya.notifications"}
	require.NoError(t, a.Notify(context.Background(), sample))
	assert.Equal(t, "kerya.notifications", ch.key)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.Equal(t, "reservation.confirmed", ch.msg.Type)
	require.NoError(t, a.Close())
}

type failing struct{}

func (failing) Notify(context.Context, Notification) error { return errors.New("down") }
func (failing) Close() error                               { return nil }

func TestMultiJoinsErrors(t *testing.T) {
	l := logrus.New()
	l.SetOutput(&bytes.Buffer{})
	m := Multi{LogSink{Log: logrus.NewEntry(l)}, failing{}}
	assert.ErrorContains(t, m.Notify(context.Background(), sample), "down")
}
