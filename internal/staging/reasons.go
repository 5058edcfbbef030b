package staging

import "sync"

// ReasonLog is an ordered, deduplicating, append-only log of ineligibility
// reason codes. Entries are never cleared, so the log is a stable audit
// trail under concurrent writers.
type ReasonLog struct {
	mu      sync.Mutex
	entries []string
	seen    map[string]struct{}
}

// NewReasonLog creates an empty log.
func NewReasonLog() *ReasonLog {
	return &ReasonLog{seen: make(map[string]struct{})}
}

// Append records a reason code once; repeats are ignored.
func (l *ReasonLog) Append(reason string) {
	if reason == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[reason]; ok {
		return
	}
	l.seen[reason] = struct{}{}
	l.entries = append(l.entries, reason)
}

// Entries returns a copy of the log in append order.
func (l *ReasonLog) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// Len returns the number of distinct reasons recorded.
func (l *ReasonLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
