package pushchan

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Kafka reads push frames from a shared topic. Every subscription joins its
// own consumer group so it sees every record (fan-out), and keeps the
// records keyed by its channel name.
type Kafka struct {
	brokers []string
	topic   string
	logger  *zap.Logger
}

func NewKafka(brokers []string, topic string, logger *zap.Logger) *Kafka {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Kafka{brokers: brokers, topic: topic, logger: logger}
}

func (k *Kafka) Subscribe(_ context.Context, name string) (Channel, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       k.topic,
		GroupID:     "presence-sync-" + uuid.NewString(),
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})

	ctx, cancel := context.WithCancel(context.Background())
	ch := &kafkaChannel{
		name:   name,
		reader: reader,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: k.logger.With(zap.String("channel", name)),
	}
	go ch.loop()
	return ch, nil
}

// keyedFor reports whether m belongs to channel. Unkeyed records are left
// to the envelope's channel field.
func keyedFor(m kafka.Message, channel string) bool {
	return len(m.Key) == 0 || string(m.Key) == channel
}

type kafkaChannel struct {
	binder
	name   string
	reader *kafka.Reader
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func (c *kafkaChannel) loop() {
	defer close(c.done)
	for {
		m, err := c.reader.ReadMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("push read failed, retrying in 1s", zap.Error(err))
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if !keyedFor(m, c.name) {
			continue
		}
		if err := c.dispatch(c.name, m.Value); err != nil {
			c.logger.Warn("dropping push frame", zap.Error(err))
		}
	}
}

func (c *kafkaChannel) Unsubscribe() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		<-c.done
		err = c.reader.Close()
		c.unbindAll()
	})
	return err
}
