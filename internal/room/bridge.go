package room

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"

	"negotiator/api/internal/util"
)

const bridgeChannelPrefix = "room:"

// Bridge relays accepted change frames between instances through Redis
// pub/sub, one channel per contract. It carries no state: a restarted
// instance just resubscribes.
type Bridge struct {
	client   *redis.Client
	registry *Registry
	// instance discriminates our own publications from other publishers
	// on the shared channel.
	instance string
}

type bridgeMessage struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

func NewBridge(redisURL string, registry *Registry) (*Bridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Bridge{
		client:   client,
		registry: registry,
		instance: util.NewID("inst"),
	}, nil
}

// NewBridgeWithClient creates a bridge from an existing Redis client.
func NewBridgeWithClient(client *redis.Client, registry *Registry) *Bridge {
	return &Bridge{
		client:   client,
		registry: registry,
		instance: util.NewID("inst"),
	}
}

// PublishChange forwards a change frame to the contract's channel. Failures
// degrade to single-instance behavior and are only logged.
func (b *Bridge) PublishChange(ctx context.Context, contractID string, frame []byte) {
	message, err := json.Marshal(bridgeMessage{Origin: b.instance, Frame: frame})
	if err != nil {
		log.Printf("bridge publish %s: %v", contractID, err)
		return
	}
	if err := b.client.Publish(ctx, bridgeChannelPrefix+contractID, message).Err(); err != nil {
		log.Printf("bridge publish %s: %v", contractID, err)
	}
}

// Run subscribes to every room channel and relays foreign frames to local
// room members. Blocks until the context is canceled.
func (b *Bridge) Run(ctx context.Context) {
	pubsub := b.client.PSubscribe(ctx, bridgeChannelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			contractID := strings.TrimPrefix(msg.Channel, bridgeChannelPrefix)
			var message bridgeMessage
			if err := json.Unmarshal([]byte(msg.Payload), &message); err != nil {
				log.Printf("bridge relay %s: %v", contractID, err)
				continue
			}
			if message.Origin == b.instance {
				continue
			}
			b.registry.Relay(contractID, message.Frame)
		}
	}
}

func (b *Bridge) Close() error {
	return b.client.Close()
}
