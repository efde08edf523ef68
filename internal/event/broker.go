package event

import "sync"

// subscriberBufferSize is the channel buffer for each event subscriber.
// Records are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker fans event records out to per-job subscribers. It is safe for
// concurrent use.
//
// Closed topics are kept as markers so that a subscriber arriving after a
// job was reclaimed receives a closed channel instead of blocking forever.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Record
	nextID int
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel receiving records for jobID and an unsubscribe
// function. If the job's topic is already closed the channel is closed.
func (b *Broker) Subscribe(jobID string) (<-chan Record, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[int]chan Record)}
		b.topics[jobID] = t
	}

	ch := make(chan Record, subscriberBufferSize)
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

// Publish delivers rec to every subscriber of jobID without blocking.
func (b *Broker) Publish(jobID string, rec Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// Close ends the topic for jobID, closing every subscriber channel.
func (b *Broker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		b.topics[jobID] = &topic{subs: make(map[int]chan Record), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Reopen clears a closed topic so a restarted job streams again.
func (b *Broker) Reopen(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[jobID]; ok && t.closed {
		delete(b.topics, jobID)
	}
}
