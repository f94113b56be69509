package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/opensource-finance/claimflow/internal/domain"
)

// KafkaBus implements EventBus on Kafka topics.
// Messages are keyed by claim id so one claim's events stay ordered.
type KafkaBus struct {
	mu            sync.Mutex
	writer        *kafka.Writer
	brokers       []string
	group         string
	subscriptions map[string]*kafkaSubscription
	closed        bool
}

type kafkaSubscription struct {
	id     string
	topic  string
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaBus creates a Kafka-backed event bus.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("kafka bus requires at least one broker")
	}
	group := cfg.ConsumerGroup
	if group == "" {
		group = "claimflow"
	}
	return &KafkaBus{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.KafkaBrokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		brokers:       cfg.KafkaBrokers,
		group:         group,
		subscriptions: make(map[string]*kafkaSubscription),
	}, nil
}

// Publish writes one message. The message id and publish time travel as headers.
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("bus is closed")
	}

	id := uuid.New().String()
	key := keyFrom(ctx)
	if key == "" {
		key = id
	}
	now := time.Now().UTC()
	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
		Time:  now,
		Headers: []kafka.Header{
			{Key: "message-id", Value: []byte(id)},
			{Key: "timestamp", Value: []byte(strconv.FormatInt(now.UnixNano(), 10))},
		},
	})
}

// Subscribe starts a consumer-group reader for topic.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		GroupID:  b.group,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		id:     uuid.New().String(),
		topic:  topic,
		reader: reader,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.subscriptions[sub.id] = sub

	go sub.consume(subCtx, handler)
	return sub, nil
}

func (s *kafkaSubscription) consume(ctx context.Context, handler domain.MessageHandler) {
	defer close(s.done)
	for {
		km, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			slog.Error("kafka fetch failed", "topic", s.topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		msg := toMessage(km)
		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error",
				"topic", s.topic,
				"message_id", msg.ID,
				"error", err,
			)
		}
		if err := s.reader.CommitMessages(ctx, km); err != nil && ctx.Err() == nil {
			slog.Warn("kafka commit failed", "topic", s.topic, "offset", km.Offset, "error", err)
		}
	}
}

func toMessage(km kafka.Message) *domain.Message {
	msg := &domain.Message{
		Topic:     km.Topic,
		Key:       string(km.Key),
		Payload:   km.Value,
		Metadata:  make(map[string]string),
		Timestamp: km.Time.UnixNano(),
	}
	for _, h := range km.Headers {
		switch h.Key {
		case "message-id":
			msg.ID = string(h.Value)
		case "timestamp":
			if ts, err := strconv.ParseInt(string(h.Value), 10, 64); err == nil {
				msg.Timestamp = ts
			}
		default:
			msg.Metadata[h.Key] = string(h.Value)
		}
	}
	return msg
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, addr := range b.brokers {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn.Close()
		}
		lastErr = err
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close stops every reader and flushes the writer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subscriptions
	b.subscriptions = make(map[string]*kafkaSubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return b.writer.Close()
}

// Unsubscribe stops the reader.
func (s *kafkaSubscription) Unsubscribe() error {
	s.cancel()
	<-s.done
	return s.reader.Close()
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
