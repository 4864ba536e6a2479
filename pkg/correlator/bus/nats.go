package bus

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSBus is the production transport.
type NATSBus struct {
	conn *nats.Conn

	mu     sync.Mutex
	up     []func()
	down   []func()
	subs   []*nats.Subscription
	closed bool
}

// ConnectNATS dials the server and wires reconnect handling. The
// connection retries forever; the engine pauses itself through the
// connection callbacks while the transport is down.
func ConnectNATS(url string, opts ...nats.Option) (*NATSBus, error) {
	b := &NATSBus{}

	base := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			b.fire(&b.up)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, _ error) {
			b.fire(&b.down)
		}),
	}
	conn, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	b.conn = conn
	return b, nil
}

func (b *NATSBus) fire(fns *[]func()) {
	b.mu.Lock()
	cbs := make([]func(), len(*fns))
	copy(cbs, *fns)
	b.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}

// Publish implements Bus.
func (b *NATSBus) Publish(_ context.Context, subject string, data []byte) error {
	if !b.Connected() {
		return ErrNotConnected
	}
	return b.conn.Publish(subject, data)
}

// Subscribe implements Bus.
func (b *NATSBus) Subscribe(subject string, h Handler) error {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		h(msg.Data)
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Connected implements Bus.
func (b *NATSBus) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// OnConnectionUp implements Bus.
func (b *NATSBus) OnConnectionUp(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.up = append(b.up, fn)
}

// OnConnectionDown implements Bus.
func (b *NATSBus) OnConnectionDown(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = append(b.down, fn)
}

// Close implements Bus.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	b.conn.Close()
	return nil
}
