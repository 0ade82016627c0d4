package conversation

import (
	"sync"

	"github.com/mtzanidakis/nergal/internal/store"
)

// Incoming is one user message waiting to be answered.
type Incoming struct {
	User   store.User
	ChatID int64
	Text   string
	Meta   map[string]string
}

// UserQueue holds the pending messages of one user. A single worker
// drains it, guarded by TryLock.
type UserQueue struct {
	userID  int64
	pending []Incoming
	mu      sync.Mutex
	locked  bool
}

func NewUserQueue(userID int64) *UserQueue {
	return &UserQueue{userID: userID}
}

func (q *UserQueue) Enqueue(msg Incoming) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, msg)
}

func (q *UserQueue) Dequeue() (Incoming, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return Incoming{}, false
	}

	msg := q.pending[0]
	q.pending = q.pending[1:]
	return msg, true
}

func (q *UserQueue) TryLock() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.locked {
		return false
	}
	q.locked = true
	return true
}

// Unlock releases the worker slot. It reports whether messages arrived
// after the last Dequeue, in which case the caller must try to drain again.
func (q *UserQueue) Unlock() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.locked = false
	return len(q.pending) > 0
}

func (q *UserQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
