package lifecycle

import "sync"

// Each subscriber channel buffers up to subscriberBufferSize events; a
// subscriber lagging further than this starts losing events.
const subscriberBufferSize = 64

// EventBroker fans lifecycle transition events out to per-instance
// subscribers. Safe for concurrent use.
//
// A topic outlives its instance as a closed marker: anyone subscribing after
// the instance stopped gets a channel that is already closed rather than one
// that never delivers. Restarting the instance discards the marker.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan string
	nextID int
	closed bool
}

// NewEventBroker returns a broker with no topics.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe registers for an instance's lifecycle events. It returns the
// delivery channel and an unsubscribe function. When the topic is already
// closed and was not reopened, the channel comes back closed.
func (b *EventBroker) Subscribe(instanceID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[instanceID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan string)}
		b.topics[instanceID] = t
	}

	ch := make(chan string, subscriberBufferSize)
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

// Publish delivers an event to every current subscriber of the instance.
// A subscriber with a full buffer misses the event.
func (b *EventBroker) Publish(instanceID string, event string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[instanceID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- event:
		default:
			// A slow subscriber must never stall a state transition.
		}
	}
}

// Close ends the instance's event stream. Every subscriber channel is
// closed, and until Reopen any new Subscribe gets a closed channel.
func (b *EventBroker) Close(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[instanceID]
	if !ok {
		// Leave a closed marker behind for anyone subscribing later.
		b.topics[instanceID] = &eventTopic{subs: make(map[int]chan string), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Reopen discards a closed marker so a restarted instance streams events
// again. Open and unknown topics are left alone.
func (b *EventBroker) Reopen(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[instanceID]; ok && t.closed {
		delete(b.topics, instanceID)
	}
}
