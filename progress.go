package sluice

import "sync"

// ProgressEvent reports one step of an asynchronous resolve. Intermediate
// events carry the completed fraction; when the request streams, Delta
// carries live token text as it arrives. The terminal event has Done set
// and either Data (the serialized result, Progress 1.0) or Err.
type ProgressEvent struct {
	RequestID string
	Progress  float64  // completed steps over total, 1.0 on success
	Delta     string   // live token text, streaming requests only
	Data      string   // serialized final result, terminal event only
	Warnings  []string // terminal event only
	ContextID string   // saved context id, terminal event only
	Err       error    // terminal failure or cancellation, nil otherwise
	Done      bool
}

// Broker fans progress events out to per-request subscribers. Publishing
// never blocks the executor: each subscriber has a bounded buffer and the
// oldest event is dropped when a slow consumer falls behind. The terminal
// event closes the subscription channels.
type Broker struct {
	mu     sync.Mutex
	subs   map[string][]*subscriber
	buffer int
}

type subscriber struct {
	ch     chan ProgressEvent
	closed bool // guarded by Broker.mu
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBrokerBuffer sets the per-subscriber buffer size (default: 16).
func WithBrokerBuffer(n int) BrokerOption {
	return func(b *Broker) { b.buffer = n }
}

func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		subs:   make(map[string][]*subscriber),
		buffer: 16,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.buffer < 1 {
		b.buffer = 1
	}
	return b
}

// Subscribe returns a channel of events for a request plus a stop
// function. The channel closes after the terminal event, or when stop is
// called. Subscribing after the terminal event yields a channel that only
// stop will close, so callers that may subscribe late should defer stop.
func (b *Broker) Subscribe(requestID string) (<-chan ProgressEvent, func()) {
	sub := &subscriber{ch: make(chan ProgressEvent, b.buffer)}
	b.mu.Lock()
	b.subs[requestID] = append(b.subs[requestID], sub)
	b.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			b.mu.Lock()
			b.detach(requestID, sub)
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, stop
}

// Publish delivers ev to the request's subscribers without blocking.
// Events for requests nobody watches are dropped. A Done event closes the
// subscriptions after delivery.
func (b *Broker) Publish(ev ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[ev.RequestID]
	if ev.Done {
		delete(b.subs, ev.RequestID)
	}
	for _, s := range subs {
		if s.closed {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// Full buffer: drop the subscriber's oldest event. Only
			// publishers add to the channel and they serialize on b.mu,
			// so after one receive the send cannot fail.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
		if ev.Done {
			s.closed = true
			close(s.ch)
		}
	}
}

// detach removes sub from a request's list. Callers hold b.mu.
func (b *Broker) detach(requestID string, sub *subscriber) {
	list := b.subs[requestID]
	for i, s := range list {
		if s == sub {
			b.subs[requestID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[requestID]) == 0 {
		delete(b.subs, requestID)
	}
}
