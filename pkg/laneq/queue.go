// Package laneq serializes work per lane. The orchestrator uses one lane per
// session so turns on a session run strictly one at a time: a user message
// arriving while a turn is in flight queues behind it rather than being
// rejected, which keeps parent chains well-formed. Different lanes run fully
// in parallel.
package laneq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prontohq/pronto/internal/observability"
	"github.com/rs/zerolog/log"
)

// Task is a unit of work executed on a lane.
type Task func(ctx context.Context) (interface{}, error)

type taskRecord struct {
	id     string
	task   Task
	ctx    context.Context
	result chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	mu      sync.Mutex
	queue   []*taskRecord
	running bool
}

// Queue provides lane-keyed task serialization.
type Queue struct {
	mu        sync.Mutex
	lanes     map[string]*laneState
	taskIDSeq int
	wg        sync.WaitGroup
	closeCtx  context.Context
	close     context.CancelFunc
}

// New creates an empty queue.
func New() *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		lanes:    make(map[string]*laneState),
		closeCtx: ctx,
		close:    cancel,
	}
}

// Enqueue schedules a task on a lane and blocks until it completes. Tasks on
// one lane run in strict FIFO order with no overlap.
func (q *Queue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-q.closeCtx.Done():
		return nil, fmt.Errorf("queue is closed")
	default:
	}

	q.mu.Lock()
	ls, ok := q.lanes[lane]
	if !ok {
		ls = &laneState{}
		q.lanes[lane] = ls
	}
	q.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, q.taskIDSeq)
	q.mu.Unlock()

	record := &taskRecord{
		id:     taskID,
		task:   task,
		ctx:    ctx,
		result: make(chan taskResult, 1),
	}

	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	depth := len(ls.queue)
	ls.mu.Unlock()

	log.Debug().
		Str("lane", lane).
		Str("task_id", taskID).
		Int("queue_depth", depth).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, depth)

	go q.processLane(lane, ls)

	res := <-record.result
	return res.value, res.err
}

// processLane starts the next queued task if the lane is idle.
func (q *Queue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.running || len(ls.queue) == 0 {
		return
	}

	record := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.running = true

	q.wg.Add(1)
	go q.executeTask(lane, ls, record)
}

func (q *Queue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer q.wg.Done()

	runCtx, cancel := context.WithCancel(record.ctx)
	stopCancel := context.AfterFunc(q.closeCtx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	start := time.Now()
	value, err := record.task(runCtx)
	elapsed := time.Since(start)

	ls.mu.Lock()
	ls.running = false
	depth := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}
	close(record.result)

	if err != nil {
		log.Error().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", elapsed).
			Err(err).
			Msg("Task failed")
	} else {
		log.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", elapsed).
			Msg("Task completed")
	}
	observability.RecordQueueCompletion(lane, elapsed, err == nil, depth)

	go q.processLane(lane, ls)
}

// Depth reports the number of queued (not yet running) tasks on a lane.
func (q *Queue) Depth(lane string) int {
	q.mu.Lock()
	ls, ok := q.lanes[lane]
	q.mu.Unlock()
	if !ok {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// DropLane forgets an idle lane's bookkeeping. Queued tasks are rejected.
func (q *Queue) DropLane(lane string) {
	q.mu.Lock()
	ls, ok := q.lanes[lane]
	if ok {
		delete(q.lanes, lane)
	}
	q.mu.Unlock()
	if !ok {
		return
	}

	ls.mu.Lock()
	pending := ls.queue
	ls.queue = nil
	ls.mu.Unlock()

	for _, record := range pending {
		record.result <- taskResult{err: fmt.Errorf("lane %s dropped", lane)}
		close(record.result)
	}
}

// Close stops accepting work and waits for running tasks to finish.
func (q *Queue) Close() {
	q.close()
	q.wg.Wait()
}
