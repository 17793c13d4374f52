package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// FanoutTopic is the Redis channel and Kafka topic carrying deliveries.
const FanoutTopic = "relay.fanout"

// ErrBroadcasterClosed is returned after Close.
var ErrBroadcasterClosed = errors.New("realtime: broadcaster closed")

// Delivery is one logical event addressed to one or more rooms. It is
// published once and every node resolves its own recipients.
type Delivery struct {
	ID      string          `json:"id"`
	Origin  string          `json:"origin"`
	Rooms   []string        `json:"rooms"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sentAt"`

	SenderID      string `json:"senderId,omitempty"`
	ChannelID     string `json:"channelId,omitempty"`
	ExcludeConnID string `json:"excludeConnId,omitempty"`
}

// Broadcaster carries deliveries to every node, including the publisher.
// Subscribers see deliveries from one publisher in publish order.
type Broadcaster interface {
	Publish(ctx context.Context, d Delivery) error
	// Subscribe registers h until ctx is done. It returns once the
	// subscription is live.
	Subscribe(ctx context.Context, h func(Delivery)) error
	Close() error
}

func encodeDelivery(d Delivery) ([]byte, error) { return json.Marshal(d) }

func decodeDelivery(b []byte) (Delivery, error) {
	var d Delivery
	if err := json.Unmarshal(b, &d); err != nil {
		return Delivery{}, err
	}
	if d.ID == "" || d.Event == "" || len(d.Rooms) == 0 {
		return Delivery{}, errors.New("realtime: incomplete delivery")
	}
	return d, nil
}
