package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// DefaultConsumerGroup is used when no consumer group is configured.
const DefaultConsumerGroup = "sentinel-workers"

const headerMessageID = "message-id"

// KafkaBus implements EventBus on Kafka. Messages are keyed by customer, so
// one customer's transactions land on one partition in order.
type KafkaBus struct {
	brokers []string
	groupID string
	writer  *kafka.Writer

	mu     sync.Mutex
	subs   map[string]*kafkaSubscription
	closed bool
}

type kafkaSubscription struct {
	id     string
	topic  string
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
	bus    *KafkaBus
	once   sync.Once
}

// NewKafkaBus creates a Kafka-backed bus. Connections are opened lazily.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("kafka bus requires at least one broker")
	}
	groupID := cfg.ConsumerGroup
	if groupID == "" {
		groupID = DefaultConsumerGroup
	}

	return &KafkaBus{
		brokers: cfg.KafkaBrokers,
		groupID: groupID,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.KafkaBrokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		subs: make(map[string]*kafkaSubscription),
	}, nil
}

// Publish writes payload to topic, partitioned by key.
func (b *KafkaBus) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	err := b.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   payload,
		Time:    time.Now(),
		Headers: []kafka.Header{{Key: headerMessageID, Value: []byte(uuid.New().String())}},
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts a consumer-group reader for topic. Offsets are committed
// after the handler returns; handler errors are logged, not retried.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		Topic:       topic,
		GroupID:     b.groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		id:     uuid.New().String(),
		topic:  topic,
		reader: reader,
		cancel: cancel,
		done:   make(chan struct{}),
		bus:    b,
	}
	b.subs[sub.id] = sub

	go sub.run(subCtx, handler)

	slog.Info("kafka consumer started", "topic", topic, "group_id", b.groupID)
	return sub, nil
}

func (s *kafkaSubscription) run(ctx context.Context, handler domain.MessageHandler) {
	defer close(s.done)
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("kafka fetch failed", "topic", s.topic, "error", err)
			}
			return
		}

		msg := fromKafka(m)
		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error",
				"topic", s.topic,
				"partition", m.Partition,
				"offset", m.Offset,
				"error", err,
			)
		}
		if err := s.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			slog.Warn("kafka commit failed", "topic", s.topic, "offset", m.Offset, "error", err)
		}
	}
}

func fromKafka(m kafka.Message) *domain.Message {
	msg := &domain.Message{
		Topic:     m.Topic,
		Key:       string(m.Key),
		Payload:   m.Value,
		Metadata:  make(map[string]string, len(m.Headers)),
		Timestamp: m.Time.UnixNano(),
	}
	for _, h := range m.Headers {
		if h.Key == headerMessageID {
			msg.ID = string(h.Value)
			continue
		}
		msg.Metadata[h.Key] = string(h.Value)
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
	}
	return msg
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range b.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("kafka unreachable: %w", lastErr)
}

// Close stops every consumer and flushes the writer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*kafkaSubscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*kafkaSubscription)
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		errs = append(errs, s.stop())
	}
	errs = append(errs, b.writer.Close())
	return errors.Join(errs...)
}

func (s *kafkaSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return s.stop()
}

func (s *kafkaSubscription) stop() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		err = s.reader.Close()
	})
	return err
}

func (s *kafkaSubscription) Topic() string {
	return s.topic
}
