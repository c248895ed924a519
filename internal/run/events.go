package run

import (
	"sync"
	"time"
)

// Event is one observation of run progress. Seq is monotonic per log and
// never reused, so clients can resume with ?since=<seq> after a reconnect.
type Event struct {
	Seq  int64          `json:"seq"`
	Time time.Time      `json:"time"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// EventLog is an append-only in-memory event history with live
// subscribers. Slow subscribers miss events rather than block the run;
// they can recover the gap through Since.
type EventLog struct {
	mu     sync.Mutex
	events []Event
	subs   map[chan Event]struct{}
	next   int64
}

// NewEventLog builds an empty log.
func NewEventLog() *EventLog {
	return &EventLog{subs: map[chan Event]struct{}{}, next: 1}
}

// Append records an event and fans it out to subscribers.
func (l *EventLog) Append(typ string, data map[string]any) Event {
	l.mu.Lock()
	e := Event{Seq: l.next, Time: time.Now().UTC(), Type: typ, Data: data}
	l.next++
	l.events = append(l.events, e)
	for ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
	l.mu.Unlock()
	return e
}

// Since returns all events with Seq > seq.
func (l *EventLog) Since(seq int64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	// events[i].Seq == i+1; slice directly.
	if seq < 0 {
		seq = 0
	}
	if int(seq) >= len(l.events) {
		return nil
	}
	out := make([]Event, len(l.events)-int(seq))
	copy(out, l.events[seq:])
	return out
}

// LastSeq returns the newest sequence number, 0 when empty.
func (l *EventLog) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next - 1
}

// Subscribe returns a live event channel and a cancel function. The
// channel is buffered; events overflowing the buffer are dropped for that
// subscriber.
func (l *EventLog) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()
	return ch, func() {
		l.mu.Lock()
		delete(l.subs, ch)
		l.mu.Unlock()
	}
}
