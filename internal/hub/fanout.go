package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
)

const fanoutChannel = "nosdesk:collab:frames"

// Fanout mirrors room traffic across server nodes over redis pub/sub, so
// clients of the same document on different nodes still see each other.
type Fanout struct {
	client *redis.Client
	nodeID string
}

// envelope wraps one frame for the wire. Frame is base64 in JSON.
type envelope struct {
	Node       string `json:"node"`
	DocumentID string `json:"document_id"`
	Frame      []byte `json:"frame"`
}

// NewFanout connects to redis and verifies the link.
func NewFanout(redisURL string) (*Fanout, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Fanout{client: client, nodeID: ksuid.New().String()}, nil
}

// Publish mirrors one frame to the other nodes. Failures are logged, not
// fatal: local delivery already happened.
func (f *Fanout) Publish(documentID string, frame []byte) {
	payload, err := json.Marshal(envelope{Node: f.nodeID, DocumentID: documentID, Frame: frame})
	if err != nil {
		log.Printf("fanout: encode frame: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.client.Publish(ctx, fanoutChannel, payload).Err(); err != nil {
		log.Printf("fanout: publish: %v", err)
	}
}

// Run subscribes and feeds frames from other nodes into the hub until the
// context is cancelled.
func (f *Fanout) Run(ctx context.Context, h *Hub) {
	sub := f.client.Subscribe(ctx, fanoutChannel)
	defer sub.Close()

	log.Printf("✓ Fan-out subscribed as node %s", f.nodeID)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("fanout: malformed envelope: %v", err)
				continue
			}
			if env.Node == f.nodeID {
				continue // our own publish coming back
			}
			h.DeliverRemote(env.DocumentID, env.Frame)
		}
	}
}

// Close releases the redis connection.
func (f *Fanout) Close() error {
	return f.client.Close()
}
