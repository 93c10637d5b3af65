// Package logfeed keeps the append-only activity feed shown in the UI.
package logfeed

import (
	"sync"
	"time"
)

type Source string

const (
	SourceSystem    Source = "SYSTEM"
	SourceAssistant Source = "ASSISTANT"
	SourceUser      Source = "USER"
	SourceTool      Source = "TOOL"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Entry struct {
	ID       int64     `json:"id"`
	Time     time.Time `json:"time"`
	Source   Source    `json:"source"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

// Feed is an append-only log with bounded history and non-blocking fan-out.
// Subscribers that fall behind lose entries rather than stalling the writer.
type Feed struct {
	mu      sync.Mutex
	nextID  int64
	limit   int
	entries []Entry
	subs    map[chan Entry]struct{}
	now     func() time.Time
}

func New(limit int) *Feed {
	if limit <= 0 {
		limit = 500
	}
	return &Feed{
		nextID: 1,
		limit:  limit,
		subs:   make(map[chan Entry]struct{}),
		now:    time.Now,
	}
}

func (f *Feed) Append(src Source, sev Severity, message string) Entry {
	f.mu.Lock()
	entry := Entry{
		ID:       f.nextID,
		Time:     f.now(),
		Source:   src,
		Severity: sev,
		Message:  message,
	}
	f.nextID++
	f.entries = append(f.entries, entry)
	if len(f.entries) > f.limit {
		f.entries = f.entries[len(f.entries)-f.limit:]
	}
	for ch := range f.subs {
		select {
		case ch <- entry:
		default:
		}
	}
	f.mu.Unlock()
	return entry
}

// Snapshot returns the retained history in insertion order.
func (f *Feed) Snapshot() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Entry, len(f.entries))
	copy(out, f.entries)
	return out
}

func (f *Feed) Subscribe() chan Entry {
	ch := make(chan Entry, 64)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *Feed) Unsubscribe(ch chan Entry) {
	f.mu.Lock()
	if _, ok := f.subs[ch]; ok {
		delete(f.subs, ch)
		close(ch)
	}
	f.mu.Unlock()
}
