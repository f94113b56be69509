package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/claimflow/internal/domain"
)

// Header names carried on every NATS message.
const (
	natsHeaderKey       = "Claimflow-Key"
	natsHeaderTimestamp = "Claimflow-Timestamp"
)

// NATSBus implements EventBus on core NATS subjects.
// Nodes share a queue group so each claim event is handled once per cluster.
type NATSBus struct {
	mu            sync.RWMutex
	conn          *nats.Conn
	group         string
	subscriptions map[string]*natsSubscription
}

type natsSubscription struct {
	id    string
	topic string
	sub   *nats.Subscription
}

// NewNATSBus connects to NATS. A server that is not up yet is retried in the
// background up to NATSMaxReconnects times; publishes are buffered meanwhile.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "claimflow"
	}

	conn, err := nats.Connect(cfg.NATSUrl, natsOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATSUrl, err)
	}

	slog.Info("NATS bus ready",
		"url", cfg.NATSUrl,
		"connected", conn.IsConnected(),
		"queue_group", cfg.ConsumerGroup,
	)

	return &NATSBus{
		conn:          conn,
		group:         cfg.ConsumerGroup,
		subscriptions: make(map[string]*natsSubscription),
	}, nil
}

func natsOptions(cfg domain.EventBusConfig) []nats.Option {
	opts := []nats.Option{
		nats.Name("claimflow"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.NATSReconnectWait) * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

// Publish sends payload as the message body. The message id, claim key and
// publish time travel as headers.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := nats.NewMsg(topic)
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, uuid.New().String())
	msg.Header.Set(natsHeaderTimestamp, strconv.FormatInt(time.Now().UnixNano(), 10))
	if key := keyFrom(ctx); key != "" {
		msg.Header.Set(natsHeaderKey, key)
	}

	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins the shared queue group for topic.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	natsSub, err := b.conn.QueueSubscribe(topic, b.group, func(m *nats.Msg) {
		msg := fromNATS(m)
		if err := handler(WithKey(ctx, msg.Key), msg); err != nil {
			slog.Error("handler error",
				"subject", m.Subject,
				"message_id", msg.ID,
				"claim_id", msg.Key,
				"error", err,
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	sub := &natsSubscription{
		id:    uuid.New().String(),
		topic: topic,
		sub:   natsSub,
	}

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

// fromNATS converts a received NATS message. Messages from publishers that
// set no headers still get an id.
func fromNATS(m *nats.Msg) *domain.Message {
	msg := &domain.Message{
		Topic:    m.Subject,
		Payload:  m.Data,
		Metadata: make(map[string]string),
	}
	if m.Header != nil {
		msg.ID = m.Header.Get(nats.MsgIdHdr)
		msg.Key = m.Header.Get(natsHeaderKey)
		if ts, err := strconv.ParseInt(m.Header.Get(natsHeaderTimestamp), 10, 64); err == nil {
			msg.Timestamp = ts
		}
		for name, values := range m.Header {
			if len(values) > 0 {
				msg.Metadata[name] = values[0]
			}
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixNano()
	}
	return msg
}

// Ping checks NATS connectivity.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected (status %s)", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains subscriptions so in-flight handlers finish, then closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscriptions = make(map[string]*natsSubscription)
	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

// Unsubscribe removes the subscription.
func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
