package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/sitepub/pkg/api"
)

// Publisher is the part of a NATS connection the notifier needs.
type Publisher interface {
	Publish(subj string, data []byte) error
	FlushTimeout(timeout time.Duration) error
}

// NATSNotifier announces published artifacts on a NATS subject.
type NATSNotifier struct {
	conn    Publisher
	subject string
	closeFn func()
}

// Connect dials url and returns a notifier publishing on subject.
func Connect(url, subject string) (*NATSNotifier, error) {
	nc, err := nats.Connect(url,
		nats.Name("sitepub"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(3),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	log.Debug().Str("url", nc.ConnectedUrlRedacted()).Str("subject", subject).Msg("NATS notifier connected")
	return &NATSNotifier{conn: nc, subject: subject, closeFn: nc.Close}, nil
}

// New wraps an existing connection.
func New(conn Publisher, subject string) *NATSNotifier {
	return &NATSNotifier{conn: conn, subject: subject}
}

// Subject returns the subject for an artifact: <subject>.<name>.
func (n *NATSNotifier) Subject(name string) string {
	return n.subject + "." + name
}

func (n *NATSNotifier) ArtifactPublished(ctx context.Context, ev api.ArtifactEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.Subject(ev.Name), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if err := n.conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("flush event: %w", err)
	}
	log.Info().Str("subject", n.Subject(ev.Name)).Str("version", ev.Version).Msg("artifact event published")
	return nil
}

func (n *NATSNotifier) Close() {
	if n.closeFn != nil {
		n.closeFn()
	}
}
