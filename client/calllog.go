package client

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// CallRecord captures one attempt of one outbound request, success or failure.
type CallRecord struct {
	ID       string
	Method   string
	Path     string
	Attempt  int
	Status   int // zero when no HTTP response was received
	Duration time.Duration
	At       time.Time
}

// CallLog is an instance-scoped record of every attempt the dispatcher made.
// It is owned by a single Client so parallel tests and multiple client
// instances never share state.
type CallLog struct {
	mu      sync.Mutex
	records []CallRecord
}

func (l *CallLog) add(r CallRecord) {
	r.ID = uuid.NewString()
	l.mu.Lock()
	l.records = append(l.records, r)
	l.mu.Unlock()
}

// Records returns a copy of all recorded attempts in order.
func (l *CallLog) Records() []CallRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CallRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of recorded attempts.
func (l *CallLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Reset clears the log; used for test isolation.
func (l *CallLog) Reset() {
	l.mu.Lock()
	l.records = l.records[:0]
	l.mu.Unlock()
}
