package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"codecollab/internal/middleware"

	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrQueueFull means the shard for a document has no room; the job was not accepted.
	ErrQueueFull = errors.New("persist queue full")
	// ErrQueueClosed means the queue is shutting down.
	ErrQueueClosed = errors.New("persist queue closed")
)

// JobKind tells a worker which store call to make.
type JobKind int

const (
	JobAppendEdit JobKind = iota
	JobSetEditing
)

func (k JobKind) String() string {
	switch k {
	case JobAppendEdit:
		return "append_edit"
	case JobSetEditing:
		return "set_editing"
	default:
		return fmt.Sprintf("job(%d)", int(k))
	}
}

// PersistJob is one write to the persistence collaborator.
type PersistJob struct {
	Kind       JobKind
	DocumentID string
	UserID     string
	Content    string // JobAppendEdit
	Revision   uint64 // JobAppendEdit: room revision the content belongs to
	Editing    bool   // JobSetEditing
}

// PersistResult is reported once a job ran. Version is set for successful appends.
type PersistResult struct {
	Job     PersistJob
	Version int64
	Err     error
}

// ResultHandler receives every PersistResult. It runs on a worker goroutine.
type ResultHandler func(PersistResult)

// PersistQueue is a write-behind worker pool in front of the store. Jobs are
// sharded by document, one worker per shard, so writes for a document are
// applied in submission order while different documents proceed in parallel.
type PersistQueue struct {
	store    EditStore
	onResult ResultHandler
	timeout  time.Duration

	shards []chan PersistJob
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPersistQueue creates the pool; Start launches the workers.
func NewPersistQueue(store EditStore, workers, queueSize int, onResult ResultHandler) *PersistQueue {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	shards := make([]chan PersistJob, workers)
	for i := range shards {
		shards[i] = make(chan PersistJob, queueSize)
	}

	return &PersistQueue{
		store:    store,
		onResult: onResult,
		timeout:  10 * time.Second,
		shards:   shards,
	}
}

// SetResultHandler replaces the result callback. Call before Start.
func (q *PersistQueue) SetResultHandler(h ResultHandler) {
	q.onResult = h
}

// Start spawns one worker per shard.
func (q *PersistQueue) Start() {
	log.Printf("🔧 Starting persist queue with %d workers", len(q.shards))

	for i, jobs := range q.shards {
		q.wg.Add(1)
		go q.worker(i, jobs)
	}
}

func (q *PersistQueue) worker(id int, jobs <-chan PersistJob) {
	defer q.wg.Done()

	for job := range jobs {
		result := q.run(job)
		if result.Err != nil {
			log.Printf("⚠️  Persist worker %d: %s for document %s failed: %v", id, job.Kind, job.DocumentID, result.Err)
		}
		if q.onResult != nil {
			q.onResult(result)
		}
	}
}

func (q *PersistQueue) run(job PersistJob) PersistResult {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	ctx, span := middleware.StartSpan(ctx, "PersistQueue."+job.Kind.String(),
		attribute.String("document.id", job.DocumentID),
		attribute.String("user.id", job.UserID),
	)
	defer span.End()

	result := PersistResult{Job: job}
	switch job.Kind {
	case JobAppendEdit:
		result.Version, result.Err = q.store.AppendEdit(ctx, job.DocumentID, job.UserID, job.Content)
	case JobSetEditing:
		result.Err = q.store.SetEditingFlag(ctx, job.DocumentID, job.UserID, job.Editing)
	default:
		result.Err = fmt.Errorf("unknown job kind %s", job.Kind)
	}
	middleware.AddSpanError(ctx, result.Err)
	return result
}

// Submit enqueues job without blocking. The caller is usually holding a room
// lock, so a full shard is reported as ErrQueueFull instead of waiting.
func (q *PersistQueue) Submit(job PersistJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.shards[q.shardFor(job.DocumentID)] <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *PersistQueue) shardFor(documentID string) int {
	h := fnv.New32a()
	h.Write([]byte(documentID))
	return int(h.Sum32() % uint32(len(q.shards)))
}

// QueueLength returns the number of jobs waiting across all shards.
func (q *PersistQueue) QueueLength() int {
	n := 0
	for _, jobs := range q.shards {
		n += len(jobs)
	}
	return n
}

// Shutdown stops accepting jobs and waits for queued ones to drain.
func (q *PersistQueue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, jobs := range q.shards {
		close(jobs)
	}
	q.mu.Unlock()

	q.wg.Wait()
	log.Println("✓ Persist queue drained")
}
