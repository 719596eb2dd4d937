package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig holds the JetStream publisher configuration.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for connection identification.
	Name string

	// Stream is the JetStream stream capturing inbound event subjects.
	Stream string

	// SubjectPrefix is the subject root; messages are published to
	// "<SubjectPrefix>.<subject-token>".
	SubjectPrefix string

	// MaxReconnects is the maximum number of reconnection attempts.
	// Use -1 for infinite reconnects.
	MaxReconnects int

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// Timeout is the connection timeout.
	Timeout time.Duration
}

// DefaultNATSConfig returns a NATSConfig with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "cce-collector",
		Stream:        "cce-events",
		SubjectPrefix: "cce.events.inbound",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NATSPublisher implements Publisher on NATS JetStream. One stream captures
// all "<prefix>.>" subjects; publishing each patient's events to a
// per-subject token preserves their order within the stream.
type NATSPublisher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	prefix string
}

// NewNATSPublisher connects to NATS, ensures the event stream exists, and
// returns a JetStream-backed publisher.
func NewNATSPublisher(ctx context.Context, cfg NATSConfig) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create/update stream %s: %w", cfg.Stream, err)
	}

	return &NATSPublisher{conn: conn, js: js, prefix: cfg.SubjectPrefix}, nil
}

// Publish sends data to "<prefix>.<subject-token>" and waits for the
// JetStream acknowledgment. The stream sequence maps to the stored broker
// offset; JetStream streams are unpartitioned, so the partition is 0.
func (p *NATSPublisher) Publish(ctx context.Context, subjectKey string, data []byte) (Ack, error) {
	subject := p.prefix + "." + SubjectToken(subjectKey)

	pubAck, err := p.js.Publish(ctx, subject, data)
	if err != nil {
		return Ack{}, fmt.Errorf("publish to %s: %w", subject, err)
	}

	return Ack{
		Topic:     subject,
		Partition: 0,
		Offset:    int64(pubAck.Sequence),
	}, nil
}

// Close drains and closes the NATS connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
