package pubsub

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/nerrad567/robotlink-core/internal/infrastructure/config"
)

// DefaultSubjectPrefix is used when no topic prefix is configured.
const DefaultSubjectPrefix = "robotlink"

// NATS subject tokens may not contain '.', '*', '>' or whitespace.
var subjectEscaper = strings.NewReplacer(
	"%", "%25",
	".", "%2E",
	"*", "%2A",
	">", "%3E",
	" ", "%20",
	"\t", "%09",
	"\r", "%0D",
	"\n", "%0A",
)

// Subjects builds NATS subjects for group messages.
type Subjects struct {
	Prefix string
}

func (s Subjects) prefix() string {
	p := strings.Trim(s.Prefix, ".")
	if p == "" {
		return DefaultSubjectPrefix
	}
	return p
}

// Group returns the subject for a group. The name is escaped into a single
// subject token.
func (s Subjects) Group(name string) string {
	return s.prefix() + ".group." + subjectEscaper.Replace(name)
}

// AllGroups returns the wildcard subject matching every group.
func (s Subjects) AllGroups() string {
	return s.prefix() + ".group.*"
}

// GroupFromSubject extracts the group name from a group subject.
func (s Subjects) GroupFromSubject(subject string) (string, bool) {
	token, ok := strings.CutPrefix(subject, s.prefix()+".group.")
	if !ok || token == "" || strings.Contains(token, ".") {
		return "", false
	}
	name, err := url.PathUnescape(token)
	if err != nil {
		return "", false
	}
	return name, true
}

// ConnectNATS opens a NATS connection using cfg. Disconnects and reconnects
// are reported to logger.
func ConnectNATS(cfg config.NATSConfig, logger Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// NATSLayer routes group messages through a NATS server.
//
// It mirrors MQTTLayer: publishes go to <prefix>.group.<name>, and a single
// wildcard subscription relays every group message to local members.
type NATSLayer struct {
	nc       *nats.Conn
	subjects Subjects
	local    *Local
	logger   Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSLayer creates a NATS-backed layer. Call Start before use.
func NewNATSLayer(nc *nats.Conn, subjects Subjects) *NATSLayer {
	return &NATSLayer{
		nc:       nc,
		subjects: subjects,
		local:    NewLocal(),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for relay diagnostics.
func (n *NATSLayer) SetLogger(logger Logger) {
	n.logger = logger
}

// Start subscribes to all group subjects and waits until the server has
// processed the subscription.
func (n *NATSLayer) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sub != nil {
		return nil
	}

	subject := n.subjects.AllGroups()
	sub, err := n.nc.Subscribe(subject, n.relay)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	if err := n.nc.Flush(); err != nil {
		sub.Unsubscribe() //nolint:errcheck // Best-effort cleanup on failed start
		return fmt.Errorf("flushing subscription: %w", err)
	}
	n.sub = sub
	n.logger.Info("pubsub relay subscribed", "backend", "nats", "subject", subject)
	return nil
}

func (n *NATSLayer) relay(msg *nats.Msg) {
	group, ok := n.subjects.GroupFromSubject(msg.Subject)
	if !ok {
		n.logger.Debug("ignoring message on unexpected subject", "subject", msg.Subject)
		return
	}
	n.local.deliver(group, msg.Data)
}

// Publish sends payload to the group subject.
func (n *NATSLayer) Publish(ctx context.Context, group string, payload []byte) error {
	if !validGroup(group) {
		return ErrInvalidGroup
	}
	if n.nc.IsClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", group, err)
	}
	if err := n.nc.Publish(n.subjects.Group(group), payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", group, err)
	}
	return nil
}

// Join adds sub to group.
func (n *NATSLayer) Join(group string, sub Subscriber) {
	n.local.Join(group, sub)
}

// Leave removes a subscriber from group.
func (n *NATSLayer) Leave(group string, subscriberID string) {
	n.local.Leave(group, subscriberID)
}

// Close drops the wildcard subscription. The connection is owned by the
// caller.
func (n *NATSLayer) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sub == nil {
		return nil
	}
	err := n.sub.Unsubscribe()
	n.sub = nil
	return err
}
