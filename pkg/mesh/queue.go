package mesh

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// CandidateQueue holds remote ICE candidates that arrive before the remote
// description is applied. It is drained exactly once; after that Push
// refuses and the caller applies candidates directly.
type CandidateQueue struct {
	mu      sync.Mutex
	items   []webrtc.ICECandidateInit
	drained bool
}

// Push queues c and reports true, or reports false once the queue was drained
func (q *CandidateQueue) Push(c webrtc.ICECandidateInit) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.drained {
		return false
	}
	q.items = append(q.items, c)
	return true
}

// Drain returns the queued candidates in arrival order and closes the queue.
// Later calls return nil.
func (q *CandidateQueue) Drain() []webrtc.ICECandidateInit {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.drained {
		return nil
	}
	q.drained = true
	items := q.items
	q.items = nil
	return items
}

// Drained reports whether Drain has run
func (q *CandidateQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drained
}

// Len returns the number of queued candidates
func (q *CandidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Discard drops everything queued and closes the queue
func (q *CandidateQueue) Discard() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.drained = true
}
