package worker

import "sync"

// LogEvent is one sequenced slice of a job's build log, the record SSE
// clients receive as {seq, chunk} (§6.1).
type LogEvent struct {
	Seq   int64  `json:"seq"`
	Chunk string `json:"chunk"`
}

// subscriberBuffer bounds a single subscriber's backlog; a consumer that
// can't keep up misses events live and re-reads them from the DB log on
// reconnect with Last-Event-ID.
const subscriberBuffer = 64

// Broadcaster fans job log events out to subscribed SSE streams. It is the
// only shared surface between the dispatcher goroutine and request
// handlers, per the single-owner rule for global mutable state (§9).
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[chan LogEvent]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[chan LogEvent]struct{})}
}

// Subscribe registers a consumer for jobID's events. The returned cancel
// must be called when the stream ends.
func (b *Broadcaster) Subscribe(jobID string) (<-chan LogEvent, func()) {
	ch := make(chan LogEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[chan LogEvent]struct{})
	}
	b.subs[jobID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set := b.subs[jobID]; set != nil {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, jobID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking; a full
// subscriber drops the event (it is already persisted in the DB log).
func (b *Broadcaster) Publish(jobID string, ev LogEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[jobID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
