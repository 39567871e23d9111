package peer

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// CandidateQueue holds remote ICE candidates that arrived before the remote
// description. Drain returns them in arrival order.
type CandidateQueue struct {
	mu    sync.Mutex
	items []webrtc.ICECandidateInit
}

func (q *CandidateQueue) Push(c webrtc.ICECandidateInit) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
}

// Drain empties the queue and returns what it held.
func (q *CandidateQueue) Drain() []webrtc.ICECandidateInit {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *CandidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *CandidateQueue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
