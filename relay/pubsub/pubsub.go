package pubsub

import (
	"context"
	"sync"

	"github.com/strandlabs/strand/relay/models"
)

// Transport delivers newly accepted events to the matching core.
// Delivery is asynchronous and carries no cross-instance ordering
// guarantee.
type Transport interface {
	Publish(ctx context.Context, ev *models.Event) error
	Subscribe(ctx context.Context) (<-chan models.Event, error)
	Close() error
}

// Loopback is an in-process Transport for single-node deployments and
// tests: published events are fanned straight back to the local core.
type Loopback struct {
	ch     chan models.Event
	closed chan struct{}
	once   sync.Once
}

func NewLoopback(buffer int) *Loopback {
	return &Loopback{
		ch:     make(chan models.Event, buffer),
		closed: make(chan struct{}),
	}
}

func (l *Loopback) Publish(ctx context.Context, ev *models.Event) error {
	select {
	case l.ch <- *ev:
		return nil
	case <-l.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loopback) Subscribe(ctx context.Context) (<-chan models.Event, error) {
	return l.ch, nil
}

func (l *Loopback) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}
