// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/fabrica-dev/fabrica/internal/logger"
	"github.com/fabrica-dev/fabrica/internal/port/messagequeue"
)

const streamName = "FABRICA"

// Message headers carried across the wire.
const (
	headerRequestID  = "Request-Id"
	headerRetryCount = "Retry-Count"
)

// maxRetries is the number of redeliveries before a message moves to the DLQ.
const maxRetries = 3

// Queue implements messagequeue.Queue using NATS JetStream. Failed handler
// invocations are republished with an incremented retry header; exhausted or
// malformed messages land on <subject>.dlq for inspection.
type Queue struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, url string) (*Queue, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	// Ensure the stream exists with subjects matching our topic patterns.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{messagequeue.SubjectProjectsAll, messagequeue.SubjectTasksAll},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Queue{nc: nc, js: js}, nil
}

// Publish sends a message to the given subject. A request ID present in ctx
// travels in a header so subscribers can restore it.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if reqID := logger.RequestID(ctx); reqID != "" {
		msg.Header.Set(headerRequestID, reqID)
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject. Payloads
// failing validation go straight to the DLQ; handler failures are retried up
// to maxRetries via republish before the message is parked.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		msgCtx := context.Background()
		if reqID := msg.Headers().Get(headerRequestID); reqID != "" {
			msgCtx = logger.WithRequestID(msgCtx, reqID)
		}

		if err := messagequeue.Validate(msg.Subject(), msg.Data()); err != nil {
			slog.Error("message validation failed", "subject", msg.Subject(), "error", err)
			q.moveToDLQ(msgCtx, msg)
			return
		}

		if err := handler(msgCtx, msg.Subject(), msg.Data()); err != nil {
			slog.Error("message handler failed", "subject", msg.Subject(), "error", err)
			q.retryOrPark(msgCtx, msg)
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// retryOrPark republishes a failed message with an incremented retry header,
// or moves it to the DLQ once the retry budget is spent.
func (q *Queue) retryOrPark(ctx context.Context, msg jetstream.Msg) {
	count := retryCount(msg.Headers())
	if count >= maxRetries {
		q.moveToDLQ(ctx, msg)
		return
	}

	retry := &nats.Msg{Subject: msg.Subject(), Data: msg.Data(), Header: nats.Header{}}
	for k, vs := range msg.Headers() {
		for _, v := range vs {
			retry.Header.Add(k, v)
		}
	}
	retry.Header.Set(headerRetryCount, strconv.Itoa(count+1))

	if _, err := q.js.PublishMsg(ctx, retry); err != nil {
		slog.Error("nats retry publish failed", "subject", msg.Subject(), "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.Error("nats nak failed", "error", nakErr)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		slog.Error("nats ack after retry failed", "error", err)
	}
}

// moveToDLQ parks a message on <subject>.dlq and acks the original.
func (q *Queue) moveToDLQ(ctx context.Context, msg jetstream.Msg) {
	dlq := &nats.Msg{Subject: msg.Subject() + ".dlq", Data: msg.Data(), Header: nats.Header{}}
	for k, vs := range msg.Headers() {
		for _, v := range vs {
			dlq.Header.Add(k, v)
		}
	}
	if _, err := q.js.PublishMsg(ctx, dlq); err != nil {
		slog.Error("nats dlq publish failed", "subject", msg.Subject(), "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.Error("nats nak failed", "error", nakErr)
		}
		return
	}
	slog.Warn("message moved to dlq", "subject", msg.Subject())
	if err := msg.Ack(); err != nil {
		slog.Error("nats ack after dlq failed", "error", err)
	}
}

// retryCount reads the retry header, defaulting to zero.
func retryCount(hdrs nats.Header) int {
	v := hdrs.Get(headerRetryCount)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// KeyValue returns a JetStream key-value bucket, creating it with the given
// TTL if needed.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("nats keyvalue %s: %w", bucket, err)
	}
	return kv, nil
}

// Drain gracefully drains all subscriptions before closing.
func (q *Queue) Drain() error {
	if err := q.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the NATS connection is currently up.
func (q *Queue) IsConnected() bool {
	return q.nc != nil && q.nc.IsConnected()
}
