package chat

import "sync"

// MessageLog keeps the most recent message bodies in a fixed-size ring.
// Appending to a full log overwrites the oldest entry.
type MessageLog struct {
	mu      sync.Mutex
	entries []string
	head    int // index of the oldest entry
	size    int
}

func NewMessageLog(capacity int) *MessageLog {
	if capacity <= 0 {
		capacity = 100
	}
	return &MessageLog{entries: make([]string, capacity)}
}

// Append stores body and reports whether an older entry was evicted for it.
func (l *MessageLog) Append(body string) (evicted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size == len(l.entries) {
		l.entries[l.head] = body
		l.head = (l.head + 1) % len(l.entries)
		return true
	}
	l.entries[(l.head+l.size)%len(l.entries)] = body
	l.size++
	return false
}

// Snapshot returns the retained entries, oldest first.
func (l *MessageLog) Snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, l.size)
	for i := range out {
		out[i] = l.entries[(l.head+i)%len(l.entries)]
	}
	return out
}

func (l *MessageLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

func (l *MessageLog) Cap() int {
	return len(l.entries)
}
