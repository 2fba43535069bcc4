package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "fasttrack:broadcast:"

// frame wraps a published message with the id of the instance that sent
// it, so an instance can skip its own messages.
type frame struct {
	Sender string `json:"sender"`
	Data   []byte `json:"data"`
}

// Redis is a channel instance backed by Redis pub/sub, for page contexts
// running in different processes.
type Redis struct {
	id     string
	name   string
	client *redis.Client
	pubsub *redis.PubSub
	logger *slog.Logger

	mu       sync.Mutex
	next     int
	handlers map[int]Handler
	done     chan struct{}
	once     sync.Once
}

// OpenRedis connects to url and subscribes to the named channel.
func OpenRedis(ctx context.Context, url, name string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	pubsub := client.Subscribe(ctx, redisKeyPrefix+name)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("subscribe %q: %w", name, err)
	}

	r := &Redis{
		id:       uuid.NewString(),
		name:     name,
		client:   client,
		pubsub:   pubsub,
		logger:   logger,
		handlers: make(map[int]Handler),
		done:     make(chan struct{}),
	}
	go r.loop(pubsub.Channel())
	return r, nil
}

func (r *Redis) Name() string { return r.name }

func (r *Redis) Publish(ctx context.Context, data []byte) error {
	msg, err := encodeFrame(r.id, data)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, redisKeyPrefix+r.name, msg).Err(); err != nil {
		return fmt.Errorf("publish %q: %w", r.name, err)
	}
	return nil
}

func (r *Redis) Subscribe(h Handler) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	r.handlers[id] = h
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.handlers, id)
		r.mu.Unlock()
	}
}

func (r *Redis) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		if cerr := r.pubsub.Close(); cerr != nil {
			err = cerr
		}
		if cerr := r.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

func (r *Redis) loop(msgs <-chan *redis.Message) {
	for {
		select {
		case <-r.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			data, own, err := decodeFrame(r.id, []byte(msg.Payload))
			if err != nil {
				r.logger.Debug("dropping broadcast frame", "channel", r.name, "error", err)
				continue
			}
			if own {
				continue
			}
			r.deliver(data)
		}
	}
}

func (r *Redis) deliver(data []byte) {
	r.mu.Lock()
	handlers := make([]Handler, 0, len(r.handlers))
	for i := 0; i < r.next; i++ {
		if h, ok := r.handlers[i]; ok {
			handlers = append(handlers, h)
		}
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
}

func encodeFrame(sender string, data []byte) ([]byte, error) {
	msg, err := json.Marshal(frame{Sender: sender, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode broadcast frame: %w", err)
	}
	return msg, nil
}

// decodeFrame returns the message and whether self sent it.
func decodeFrame(self string, payload []byte) ([]byte, bool, error) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, false, fmt.Errorf("decode broadcast frame: %w", err)
	}
	return f.Data, f.Sender == self, nil
}
