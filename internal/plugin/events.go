package plugin

import (
	"slices"
	"sync"
	"time"
)

// defaultEventLogCap bounds the recent-event log.
const defaultEventLogCap = 100

// Record is one completed plugin execution kept in the recent-event log.
type Record struct {
	Plugin    string
	Event     Event
	Result    *Result
	Err       string
	Duration  time.Duration
	Timestamp time.Time
}

// eventLog is a fixed-capacity ring of recent plugin executions. Oldest
// entries are dropped once the cap is reached.
type eventLog struct {
	mu   sync.Mutex
	buf  []Record
	next int
	full bool
}

func newEventLog(capacity int) *eventLog {
	if capacity <= 0 {
		capacity = defaultEventLogCap
	}
	return &eventLog{buf: make([]Record, capacity)}
}

func (l *eventLog) add(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = r
	l.next++
	if l.next == len(l.buf) {
		l.next = 0
		l.full = true
	}
}

// recent returns records newest first.
func (l *eventLog) recent(limit int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Record
	if l.full {
		out = append(out, l.buf[l.next:]...)
		out = append(out, l.buf[:l.next]...)
	} else {
		out = append(out, l.buf[:l.next]...)
	}
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
