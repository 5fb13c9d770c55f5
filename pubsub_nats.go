package realtime

import (
	"context"
	"io"

	"github.com/nats-io/nats.go"
)

// NATSPubSub backs the cluster bus with a NATS connection so multiple server
// nodes see each other's room, direct and presence traffic.
type NATSPubSub struct {
	nc *nats.Conn
}

func NewNATSPubSub(url string, opts ...nats.Option) (*NATSPubSub, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSPubSub{nc: nc}, nil
}

// WrapNATS reuses an existing connection instead of dialing a new one.
func WrapNATS(nc *nats.Conn) *NATSPubSub {
	return &NATSPubSub{nc: nc}
}

func (b *NATSPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return b.nc.Publish(channel, payload)
}

func (b *NATSPubSub) Subscribe(_ context.Context, channel string, handler func([]byte)) (io.Closer, error) {
	sub, err := b.nc.Subscribe(channel, func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return nil, err
	}
	return natsSubCloser{sub: sub}, nil
}

func (b *NATSPubSub) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

type natsSubCloser struct {
	sub *nats.Subscription
}

func (c natsSubCloser) Close() error { return c.sub.Unsubscribe() }
