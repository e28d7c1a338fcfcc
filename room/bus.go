package room

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Envelope is a change on its way between nodes.
type Envelope struct {
	Node   string          `json:"node"`
	Origin string          `json:"origin,omitempty"`
	Delta  json.RawMessage `json:"delta"`
	// Seq is the change's number on the publishing node. Nodes number
	// independently, so it only orders one node's publications.
	Seq uint64 `json:"seq,omitempty"`
}

// Bus carries changes between registries running on different nodes.
type Bus interface {
	Publish(ctx context.Context, documentID string, env Envelope) error
	// Subscribe calls fn for every envelope published for documentID,
	// including the subscriber's own, until the returned func is called.
	Subscribe(documentID string, fn func(Envelope)) (func(), error)
}

type RedisBus struct {
	rdb    *redis.Client
	prefix string
	log    zerolog.Logger
}

func NewRedisBus(rdb *redis.Client, log zerolog.Logger) *RedisBus {
	return &RedisBus{
		rdb:    rdb,
		prefix: "deltadocs:room:",
		log:    log.With().Str("component", "bus").Logger(),
	}
}

func (b *RedisBus) channel(documentID string) string {
	return b.prefix + documentID
}

func (b *RedisBus) Publish(ctx context.Context, documentID string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel(documentID), data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel(documentID), err)
	}
	return nil
}

func (b *RedisBus) Subscribe(documentID string, fn func(Envelope)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.rdb.Subscribe(ctx, b.channel(documentID))
	// Wait for the confirmation so nothing published after Subscribe
	// returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", b.channel(documentID), err)
	}

	messages := pubsub.Channel()
	go func() {
		for msg := range messages {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed envelope")
				continue
			}
			fn(env)
		}
	}()

	return func() {
		cancel()
		pubsub.Close()
	}, nil
}
