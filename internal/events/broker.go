package events

import (
	"sync"

	"github.com/seantiz/overseer/internal/model"
)

// subscriberBufferSize is the channel buffer for each live event subscriber.
// Events are dropped for a subscriber that falls this far behind; the
// persisted artifact store remains the complete record.
const subscriberBufferSize = 64

// Broker fans persisted engine events out to live observers, per job ident.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a job finishes) receive a closed channel instead of
// blocking forever.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan model.EventRecord
	nextID int
	closed bool
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives engine events for the given job
// and an unsubscribe function. If the job has already finished (Close was
// called), the returned channel is immediately closed.
func (b *Broker) Subscribe(ident string) (<-chan model.EventRecord, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ident]
	if !ok {
		t = &topic{subs: make(map[int]chan model.EventRecord)}
		b.topics[ident] = t
	}

	ch := make(chan model.EventRecord, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an event to all subscribers of the given job. Events are
// dropped for subscribers whose buffers are full.
func (b *Broker) Publish(ident string, rec model.EventRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ident]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- rec:
		default:
			// Drop for slow subscribers to avoid blocking the run.
		}
	}
}

// Close signals that no more events will be published for the given job.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *Broker) Close(ident string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ident]
	if !ok {
		b.topics[ident] = &topic{subs: make(map[int]chan model.EventRecord), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
