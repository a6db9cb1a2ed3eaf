package pipeline

import "sync"

// JobKind selects the handler for a job.
type JobKind string

// Job kinds.
const (
	// JobIngest processes a source file from an inbox.
	JobIngest JobKind = "ingest"
	// JobKnowledge reconciles one file of the knowledge folder: sync when it
	// exists, delete when it is gone, ingest in place when it has no
	// frontmatter.
	JobKnowledge JobKind = "knowledge"
	// JobReenrich re-runs the unavailable enrichment fields of a document.
	JobReenrich JobKind = "reenrich"
)

// Job is a unit of work. Path is always absolute.
type Job struct {
	Kind JobKind
	Path string
}

// queue is a FIFO of jobs de-duplicated by path. A path is never handed to
// two workers at once: pushing a path that is in flight parks the job until
// the running one finishes.
type queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	idle     *sync.Cond
	order    []string
	pending  map[string]Job
	inflight map[string]struct{}
	again    map[string]Job
	closed   bool
}

func newQueue() *queue {
	q := &queue{
		pending:  make(map[string]Job),
		inflight: make(map[string]struct{}),
		again:    make(map[string]Job),
	}
	q.cond = sync.NewCond(&q.mu)
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Push enqueues j. It reports false once the queue is closed.
func (q *queue) Push(j Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if _, busy := q.inflight[j.Path]; busy {
		q.again[j.Path] = j
		return true
	}
	if _, queued := q.pending[j.Path]; queued {
		q.pending[j.Path] = j
		return true
	}
	q.pending[j.Path] = j
	q.order = append(q.order, j.Path)
	q.cond.Signal()
	return true
}

// Pop blocks until a job is available or the queue is closed.
func (q *queue) Pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.order) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return Job{}, false
	}
	key := q.order[0]
	q.order = q.order[1:]
	j := q.pending[key]
	delete(q.pending, key)
	q.inflight[key] = struct{}{}
	return j, true
}

// Done releases path and requeues a job parked while it ran.
func (q *queue) Done(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, path)
	j, ok := q.again[path]
	if !ok || q.closed {
		if len(q.order) == 0 && len(q.inflight) == 0 {
			q.idle.Broadcast()
		}
		return
	}
	delete(q.again, path)
	q.pending[path] = j
	q.order = append(q.order, path)
	q.cond.Signal()
}

// Close stops handing out jobs. Queued jobs are dropped; their files and
// checkpoints are picked up again by the next sweep.
func (q *queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
	q.idle.Broadcast()
}

// WaitIdle blocks until no job is queued or running, or the queue is closed.
func (q *queue) WaitIdle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for (len(q.order) > 0 || len(q.inflight) > 0) && !q.closed {
		q.idle.Wait()
	}
}

// Stats returns the number of queued and running jobs.
func (q *queue) Stats() (queued, running int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order), len(q.inflight)
}
