package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Task - one unit of pipeline work, run to completion before the next starts
type Task struct {
	ID  string
	Run func(ctx context.Context) error
}

// Queue - strict FIFO with single concurrency. Submissions accepted while a
// task is running wait their turn; a panicking task is logged and dropped
// without killing the drain loop.
type Queue struct {
	mu         sync.Mutex
	tasks      []Task
	processing bool
	wake       chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
	}
}

// Start - launch the drain loop. Returns once the goroutine is running;
// the loop exits when ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	go q.drain(ctx)
	log.Printf("🚀 [Queue] Worker started")
}

// Enqueue - append a task and nudge the drain loop
func (q *Queue) Enqueue(task Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	depth := len(q.tasks)
	q.mu.Unlock()

	log.Printf("⏳ [Queue] Enqueued %s (depth %d)", task.ID, depth)

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pending - number of tasks waiting, not counting the one in flight
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// IsProcessing - whether a task is currently running
func (q *Queue) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

func (q *Queue) drain(ctx context.Context) {
	for {
		task, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				log.Printf("🔌 [Queue] Worker stopped")
				return
			case <-q.wake:
				continue
			}
		}

		q.runOne(ctx, task)
	}
}

// next - pop the head task and mark the queue busy
func (q *Queue) next() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		q.processing = false
		return Task{}, false
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	q.processing = true
	return task, true
}

func (q *Queue) runOne(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ [Queue] Task %s panicked: %v", task.ID, r)
		}
		q.mu.Lock()
		q.processing = len(q.tasks) > 0
		q.mu.Unlock()
	}()

	log.Printf("🔄 [Queue] Running %s", task.ID)
	if err := task.Run(ctx); err != nil {
		log.Printf("❌ [Queue] Task %s failed: %v", task.ID, err)
	} else {
		log.Printf("✅ [Queue] Task %s done", task.ID)
	}
}

// String - queue status for logs and health checks
func (q *Queue) String() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return fmt.Sprintf("processing=%v pending=%d", q.processing, len(q.tasks))
}
