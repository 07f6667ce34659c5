package task

import (
	"sync"

	"github.com/alitto/pond"
	"github.com/cespare/xxhash"
)

// Lanes runs work asynchronously while keeping the work submitted under one key in order.
//
// Each lane is a pond pool with a single worker, and a key always maps to the same lane, so
// two tasks for one key run one after the other in submission order. Tasks for different keys
// may share a lane; they are still ordered, just not independent.
type Lanes struct {
	lanes   []*pond.WorkerPool
	mu      sync.RWMutex
	stopped bool
}

// NewLanes creates count lanes, each queueing up to capacity tasks.
func NewLanes(count, capacity int) *Lanes {
	if count <= 0 {
		count = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	l := &Lanes{lanes: make([]*pond.WorkerPool, count)}
	for i := range l.lanes {
		l.lanes[i] = pond.New(1, capacity)
	}
	return l
}

// Submit queues fn on the lane owning key. It never blocks: false means the lane is full or
// the lanes were stopped, and fn will not run.
func (l *Lanes) Submit(key string, fn func()) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return false
	}
	return l.lanes[l.index(key)].TrySubmit(fn)
}

// Stop waits for every queued task to run, then releases the workers. Later submissions are
// rejected.
func (l *Lanes) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()

	for _, lane := range l.lanes {
		lane.StopAndWait()
	}
}

func (l *Lanes) index(key string) int {
	return int(xxhash.Sum64([]byte(key)) % uint64(len(l.lanes)))
}
