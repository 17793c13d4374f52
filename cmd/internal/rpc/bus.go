package rpc

import "context"

// Handler receives one raw bus message.
type Handler func(ctx context.Context, msg []byte)

// Bus is the asynchronous transport under the RPC layer.
//
// Queues deliver each message to exactly one consumer. Topics deliver each
// message to every subscriber that was subscribed when it was published.
// Consume and Subscribe return once the consumer is registered; handlers then
// run in background goroutines until ctx is done or the bus is closed.
type Bus interface {
	Send(ctx context.Context, queue string, msg []byte) error
	Consume(ctx context.Context, queue string, h Handler) error
	Publish(ctx context.Context, topic string, msg []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) error
	Close() error
}

const namePrefix = "relay.rpc."

// QueueName is the request queue of a service.
func QueueName(service string) string { return namePrefix + service }

// BroadcastTopic is the command topic of a service.
func BroadcastTopic(service string) string { return namePrefix + service + ".broadcast" }

// ReplyTopic is the per-process reply topic of a client.
func ReplyTopic(node string) string { return namePrefix + "reply." + node }
