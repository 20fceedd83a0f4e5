package events

import "sync"

// Bus is an unbounded multi-producer, single-consumer channel of lifecycle
// events. Publishing never blocks on the consumer: a pump goroutine queues
// events in memory until the consumer drains them, so a slow observer can
// lag without back-pressuring the coordinator. Events leave the bus in
// publish order.
type Bus struct {
	in     chan Event
	out    chan Event
	closed chan struct{}
	once   sync.Once
}

func NewBus() *Bus {
	b := &Bus{
		in:     make(chan Event, 64),
		out:    make(chan Event),
		closed: make(chan struct{}),
	}
	go b.pump()
	return b
}

func (b *Bus) pump() {
	defer close(b.out)
	var queue []Event
	closedCh := b.closed
	for {
		if closedCh == nil && len(queue) == 0 {
			// Shut down once the backlog and the inbox are both empty.
			select {
			case e := <-b.in:
				queue = append(queue, e)
				continue
			default:
				return
			}
		}
		if len(queue) == 0 {
			select {
			case e := <-b.in:
				queue = append(queue, e)
			case <-closedCh:
				closedCh = nil
			}
			continue
		}
		select {
		case e := <-b.in:
			queue = append(queue, e)
		case b.out <- queue[0]:
			queue = queue[1:]
		case <-closedCh:
			closedCh = nil
		}
	}
}

// Publish enqueues an event. Publishing after Close is a no-op.
func (b *Bus) Publish(e Event) {
	select {
	case <-b.closed:
	default:
		select {
		case <-b.closed:
		case b.in <- e:
		}
	}
}

// Events is the consumer side. The channel closes after Close once every
// queued event has been delivered.
func (b *Bus) Events() <-chan Event {
	return b.out
}

// Close stops accepting events; queued events still drain to the consumer.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.closed) })
}
