package signal

import "errors"

// ErrClosed is returned by Publish and Subscribe after the bus is closed.
var ErrClosed = errors.New("signal: bus closed")

// Handler receives every message published on the channel, including
// messages published by the handler's own participant. The bus performs no
// filtering; echo suppression is the subscriber's job.
type Handler func(msg Message)

// Subscription is a live registration on a bus. Closing it stops delivery;
// Close is idempotent.
type Subscription interface {
	Close() error
}

// Bus is a best-effort, at-most-once signaling channel. Delivery is FIFO per
// sender with no ordering guarantee across senders and no acknowledgment.
// Publish never blocks waiting for delivery.
type Bus interface {
	Publish(msg Message) error
	Subscribe(h Handler) (Subscription, error)
	Close() error
}
