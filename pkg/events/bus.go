package events

import (
	"sync"
	"time"

	"github.com/penflow/penflow/pkg/models"
)

const (
	// DefaultBacklog is how many past events are replayed to a new
	// subscriber of a run.
	DefaultBacklog = 50
	// subscriberBuffer bounds each subscriber's pending events. A full
	// buffer drops the oldest pending event and injects a gap marker;
	// publication never blocks on a slow subscriber.
	subscriberBuffer = 64
)

type subscriber struct {
	mu      sync.Mutex
	queue   []models.ProgressEvent
	notify  chan struct{}
	done    chan struct{}
	closed  bool
	aborted bool
	dropped bool
}

type runTopic struct {
	nextSeq uint64
	backlog []models.ProgressEvent
	subs    map[int]*subscriber
	closed  bool
}

// Bus fans out per-run progress events to any number of subscribers.
// Events are ephemeral: only a bounded backlog per run is kept for replay
// on subscriber connect.
type Bus struct {
	mu      sync.Mutex
	topics  map[string]*runTopic
	backlog int
	nextSub int
}

func NewBus() *Bus {
	return &Bus{
		topics:  make(map[string]*runTopic),
		backlog: DefaultBacklog,
	}
}

func (b *Bus) topic(runID string) *runTopic {
	t, ok := b.topics[runID]
	if !ok {
		t = &runTopic{subs: make(map[int]*subscriber)}
		b.topics[runID] = t
	}
	return t
}

// Publish assigns the event its sequence number and timestamp and delivers
// it to every live subscriber of the run. Publish never blocks: a slow
// subscriber loses its oldest pending event instead.
func (b *Bus) Publish(runID string, event models.ProgressEvent) models.ProgressEvent {
	b.mu.Lock()
	t := b.topic(runID)
	t.nextSeq++
	event.Seq = t.nextSeq
	event.RunID = runID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	t.backlog = append(t.backlog, event)
	if len(t.backlog) > b.backlog {
		t.backlog = t.backlog[len(t.backlog)-b.backlog:]
	}
	subs := make([]*subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.push(event)
	}
	return event
}

// Subscribe returns a channel that first replays the run's backlog, then
// carries live events. The returned cancel func detaches the subscriber;
// detaching never affects the run's execution.
func (b *Bus) Subscribe(runID string) (<-chan models.ProgressEvent, func()) {
	s := &subscriber{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	t := b.topic(runID)
	s.queue = append(s.queue, t.backlog...)
	closed := t.closed
	id := b.nextSub
	b.nextSub++
	if !closed {
		t.subs[id] = s
	}
	b.mu.Unlock()

	out := make(chan models.ProgressEvent)
	go s.pump(out, closed)

	cancel := func() {
		b.mu.Lock()
		if t, ok := b.topics[runID]; ok {
			delete(t.subs, id)
		}
		b.mu.Unlock()
		s.abort()
	}
	return out, cancel
}

// Close ends the run's streams: subscribers drain their pending events and
// their channels are closed. Late subscribers still get the backlog replay.
func (b *Bus) Close(runID string) {
	b.mu.Lock()
	t, ok := b.topics[runID]
	if !ok {
		b.mu.Unlock()
		return
	}
	t.closed = true
	subs := make([]*subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[int]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

func (s *subscriber) push(event models.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= subscriberBuffer {
		// Drop the oldest pending event, but never the gap marker itself;
		// the consumer must keep the one signal that its stream is not
		// contiguous.
		drop := 0
		if s.dropped && s.queue[0].Kind == models.EventsDroppedEvent {
			drop = 1
		}
		s.queue = append(s.queue[:drop], s.queue[drop+1:]...)
		if !s.dropped {
			s.dropped = true
			gap := models.ProgressEvent{
				RunID:     event.RunID,
				Kind:      models.EventsDroppedEvent,
				Message:   "subscriber too slow, older events dropped",
				Timestamp: time.Now(),
			}
			s.queue = append([]models.ProgressEvent{gap}, s.queue...)
		}
	}
	s.queue = append(s.queue, event)
	s.wake()
}

func (s *subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// close ends the stream but lets pending events drain to a consumer that is
// still reading. Used when the run's topic closes.
func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

// abort ends the stream on behalf of a consumer that is gone: pending events
// are abandoned so the pump never blocks sending to a reader that left.
func (s *subscriber) abort() {
	s.mu.Lock()
	if !s.aborted {
		s.aborted = true
		close(s.done)
	}
	s.mu.Unlock()
	s.close()
}

// pump moves queued events onto the consumer channel. Delivery to the
// consumer may block; only this goroutine waits, never a publisher, and an
// aborted subscription unblocks it.
func (s *subscriber) pump(out chan<- models.ProgressEvent, drainOnly bool) {
	defer close(out)
	for {
		s.mu.Lock()
		for len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			select {
			case out <- ev:
			case <-s.done:
				return
			}
			s.mu.Lock()
		}
		if s.closed || drainOnly {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}
