// Package natsjs publishes mirror events to a NATS JetStream stream.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix roots every subject the service publishes on
const SubjectPrefix = "mailmirror"

// AllAccounts matches every account subject
const AllAccounts = SubjectPrefix + ".*.>"

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// AccountSubject is the subject of an account's event. The account id is
// one token; wildcard and separator characters in it are replaced. The
// event type may span several tokens ("sync.completed").
func AccountSubject(accountID, eventType string) string {
	if accountID == "" {
		accountID = "_"
	}
	return SubjectPrefix + "." + tokenReplacer.Replace(accountID) + "." + eventType
}

// StreamConfig describes the event stream
type StreamConfig struct {
	Name string
	// MaxAge bounds how long events are retained.
	MaxAge time.Duration
	// DedupWindow is how long a message id is remembered for dedup.
	DedupWindow time.Duration
	Replicas    int
}

func (c StreamConfig) jetstream() *nats.StreamConfig {
	sc := &nats.StreamConfig{
		Name:       c.Name,
		Subjects:   []string{AllAccounts},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: c.DedupWindow,
		MaxAge:     c.MaxAge,
		Replicas:   c.Replicas,
	}
	if sc.Duplicates <= 0 {
		sc.Duplicates = 10 * time.Minute
	}
	if sc.Replicas <= 0 {
		sc.Replicas = 1
	}
	return sc
}

// PublishError reports a rejected publish with the event it carried
type PublishError struct {
	MsgID   string
	Subject string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s on %s: %v", e.MsgID, e.Subject, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Publisher sends outbox events to JetStream
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream StreamConfig
}

// NewPublisher connects to url and binds JetStream for the stream
func NewPublisher(url string, stream StreamConfig) (*Publisher, error) {
	if stream.Name == "" {
		return nil, errors.New("stream name is required")
	}
	nc, err := nats.Connect(url, nats.Name("mailmirror"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js, stream: stream}, nil
}

// EnsureStream creates the stream, or updates retention and dedup on an
// existing one when they differ from the configuration.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	want := p.stream.jetstream()

	info, err := p.js.StreamInfo(want.Name, nats.Context(ctx))
	switch {
	case err == nil:
		if info.Config.MaxAge == want.MaxAge && info.Config.Duplicates == want.Duplicates {
			return nil
		}
		cfg := info.Config
		cfg.MaxAge = want.MaxAge
		cfg.Duplicates = want.Duplicates
		if _, err := p.js.UpdateStream(&cfg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to update stream %s: %w", want.Name, err)
		}
		return nil
	case !errors.Is(err, nats.ErrStreamNotFound):
		return fmt.Errorf("failed to look up stream %s: %w", want.Name, err)
	}

	if _, err := p.js.AddStream(want, nats.Context(ctx)); err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream %s: %w", want.Name, err)
	}
	return nil
}

// Publish sends one event. JetStream drops a repeat of msgID inside the
// dedup window, so replaying an outbox entry is safe.
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	ack, err := p.js.Publish(subject, payload, nats.MsgId(msgID), nats.Context(ctx))
	if err != nil {
		return &PublishError{MsgID: msgID, Subject: subject, Err: err}
	}
	if ack.Stream != p.stream.Name {
		return &PublishError{MsgID: msgID, Subject: subject, Err: fmt.Errorf("stored in stream %q", ack.Stream)}
	}
	return nil
}

// Close drains pending publishes and closes the connection
func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}
