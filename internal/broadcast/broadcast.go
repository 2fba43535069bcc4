// Package broadcast is a named publish/subscribe channel between page
// contexts. Like a browser BroadcastChannel, a channel never delivers a
// message back to the instance that published it.
package broadcast

import (
	"context"
	"log/slog"
)

// Handler receives a message published by another instance.
type Handler func(data []byte)

// Channel is one open instance of a named channel.
type Channel interface {
	Name() string
	Publish(ctx context.Context, data []byte) error
	// Subscribe registers h and returns a function that removes it.
	Subscribe(h Handler) (unsubscribe func())
	Close() error
}

// Options selects the channel implementation for Open.
type Options struct {
	Name     string
	RedisURL string
	// Memory is used when RedisURL is empty.
	Memory *Memory
}

// Open opens the named channel. Failures are logged and yield a channel
// that drops everything, since the broadcast path only duplicates direct
// delivery.
func Open(ctx context.Context, opts Options, logger *slog.Logger) Channel {
	if opts.RedisURL != "" {
		ch, err := OpenRedis(ctx, opts.RedisURL, opts.Name, logger)
		if err != nil {
			logger.Warn("broadcast channel unavailable", "channel", opts.Name, "error", err)
			return Noop{name: opts.Name}
		}
		return ch
	}
	if opts.Memory == nil {
		logger.Warn("broadcast channel unavailable", "channel", opts.Name, "error", "no transport configured")
		return Noop{name: opts.Name}
	}
	return opts.Memory.Open(opts.Name)
}

// Noop is a channel that drops every message.
type Noop struct {
	name string
}

func (n Noop) Name() string                                 { return n.name }
func (Noop) Publish(ctx context.Context, data []byte) error { return nil }
func (Noop) Subscribe(h Handler) func()                     { return func() {} }
func (Noop) Close() error                                   { return nil }
