package scheduler

import (
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// Event is one step in a job's lifecycle.
type Event struct {
	JobID    string         `json:"job_id"`
	State    model.JobState `json:"state"`
	Outcome  model.Outcome  `json:"outcome,omitempty"`
	HandleID string         `json:"handle_id,omitempty"`
	Error    string         `json:"error,omitempty"`
	At       time.Time      `json:"at"`
}

// EventBroker fans job events out to subscribers. It is safe for concurrent use.
//
// Topics are dropped as soon as a job is closed, so the broker holds nothing
// for finished jobs. Scheduler.Subscribe covers subscribers that arrive late.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan Event
	nextID int
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel that receives events for the given job and an
// unsubscribe function.
func (b *EventBroker) Subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan Event)}
		b.topics[jobID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; !ok {
			return
		}
		delete(t.subs, id)
		if len(t.subs) == 0 && b.topics[jobID] == t {
			delete(b.topics, jobID)
		}
	}
}

// Publish sends an event to all subscribers of the given job.
// Events are dropped for subscribers whose buffers are full.
func (b *EventBroker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.JobID]
	if !ok {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Never block the scheduler on a slow reader.
		}
	}
}

// Close signals that no more events will be published for the given job.
// All subscriber channels are closed and the topic is dropped.
func (b *EventBroker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	delete(b.topics, jobID)
}

// Topics returns the number of jobs with live subscribers.
func (b *EventBroker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
