package memory

import (
	"context"
	"slices"
	"sync"

	"go-rollout/internal/domain"
)

// EventBus is an in-process bus. Events are forwarded, in publish order, to
// each subscriber without blocking publishers.
type EventBus struct {
	mu          sync.Mutex
	keep        int
	history     []domain.Event
	subscribers []*subscriber
}

type BusOption func(*EventBus)

// WithHistory keeps the last n published events for Events, EventsFor and Types.
func WithHistory(n int) BusOption {
	return func(b *EventBus) { b.keep = n }
}

func NewEventBus(opts ...BusOption) *EventBus {
	b := &EventBus{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *EventBus) Publish(_ context.Context, event domain.Event) error {
	b.mu.Lock()
	if b.keep > 0 {
		b.history = append(b.history, event)
		if over := len(b.history) - b.keep; over > 0 {
			b.history = slices.Delete(b.history, 0, over)
		}
	}
	subs := slices.Clone(b.subscribers)
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(event)
	}
	return nil
}

// Subscribe returns a channel of events published from now on. It is closed when ctx ends.
func (b *EventBus) Subscribe(ctx context.Context) (<-chan domain.Event, error) {
	s := &subscriber{out: make(chan domain.Event), wake: make(chan struct{}, 1)}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, s)
	b.mu.Unlock()

	go func() {
		defer close(s.out)
		defer b.unsubscribe(s)
		s.pump(ctx)
	}()
	return s.out, nil
}

// Events returns the retained history, oldest first.
func (b *EventBus) Events() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.history)
}

// EventsFor returns the events of one task.
func (b *EventBus) EventsFor(taskID string) []domain.Event {
	var out []domain.Event
	for _, e := range b.Events() {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

// Types returns the event types of one task, in order.
func (b *EventBus) Types(taskID string) []domain.EventType {
	var out []domain.EventType
	for _, e := range b.EventsFor(taskID) {
		out = append(out, e.Type)
	}
	return out
}

func (b *EventBus) unsubscribe(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = slices.DeleteFunc(b.subscribers, func(x *subscriber) bool { return x == s })
}

type subscriber struct {
	mu      sync.Mutex
	pending []domain.Event
	wake    chan struct{}
	out     chan domain.Event
}

func (s *subscriber) enqueue(e domain.Event) {
	s.mu.Lock()
	s.pending = append(s.pending, e)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump(ctx context.Context) {
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, e := range batch {
			select {
			case s.out <- e:
			case <-ctx.Done():
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
	}
}
