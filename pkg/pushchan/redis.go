package pushchan

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis subscribes to channels published on a redis pub/sub bus. The
// payload of each redis message is one envelope frame.
type Redis struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedis(rdb *redis.Client, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{rdb: rdb, logger: logger}
}

func (r *Redis) Subscribe(ctx context.Context, name string) (Channel, error) {
	ps := r.rdb.Subscribe(ctx, name)
	// Wait for the subscription confirmation so no publish is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("pushchan: redis subscribe %s: %w", name, err)
	}

	ch := &redisChannel{
		name:   name,
		ps:     ps,
		done:   make(chan struct{}),
		logger: r.logger.With(zap.String("channel", name)),
	}
	go ch.loop()
	return ch, nil
}

// Publish sends one frame to name. Used by tooling and tests.
func (r *Redis) Publish(ctx context.Context, name, event string, data any) error {
	frame, err := Encode(name, event, data)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, name, frame).Err()
}

type redisChannel struct {
	binder
	name   string
	ps     *redis.PubSub
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func (c *redisChannel) loop() {
	defer close(c.done)
	for msg := range c.ps.Channel() {
		if err := c.dispatch(c.name, []byte(msg.Payload)); err != nil {
			c.logger.Warn("dropping push frame", zap.Error(err))
		}
	}
}

func (c *redisChannel) Unsubscribe() error {
	var err error
	c.once.Do(func() {
		err = c.ps.Close()
		<-c.done
		c.unbindAll()
	})
	return err
}
