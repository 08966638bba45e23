package channel

import "context"

// Transport is the raw publish/subscribe session the adapter runs over.
// Implementations deliver a published payload to every handler subscribed to
// the topic, at least once, in no guaranteed order. Connect/reconnect/retry
// behavior belongs to the implementation, not to this interface.
type Transport interface {
	// Subscribe registers fn for payloads published to topic and returns a
	// function that removes the registration.
	Subscribe(ctx context.Context, topic string, fn func(payload []byte)) (cancel func() error, err error)

	// Publish broadcasts payload on topic. A nil return means the transport
	// accepted the message, nothing more.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Close tears down the session. Pending subscriptions become inert.
	Close() error
}
