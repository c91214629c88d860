package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/cadence/internal/observability"
	"github.com/harun/cadence/internal/tracing"
)

// ErrClosed is returned for tasks submitted to, or queued in, a closed queue.
var ErrClosed = errors.New("command queue closed")

// Task is an asynchronous operation.
type Task func(ctx context.Context) error

// TaskOptions configures one task.
type TaskOptions struct {
	// WarnAfter logs a warning when the task is still queued after this long.
	WarnAfter time.Duration
	// OnReject is called instead of the task when the queue drops it before
	// it started.
	OnReject func(err error)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
}

type laneState struct {
	mu          sync.Mutex
	concurrency int
	queue       []*taskRecord
	running     int
}

// LaneStats is a snapshot of one lane.
type LaneStats struct {
	Lane        string `json:"lane"`
	Queued      int    `json:"queued"`
	Running     int    `json:"running"`
	Concurrency int    `json:"concurrency"`
}

// Config configures a CommandQueue.
type Config struct {
	// Lanes maps lane names to their concurrency. Unknown lanes are created
	// on first use with concurrency 1.
	Lanes  map[string]int
	Logger zerolog.Logger
}

// CommandQueue provides lane-based task execution with concurrency control.
type CommandQueue struct {
	mu        sync.RWMutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	logger    zerolog.Logger
}

// New creates a CommandQueue with the configured lanes.
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	cq := &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
		logger: cfg.Logger.With().Str("component", "commandqueue").Logger(),
	}
	for lane, concurrency := range cfg.Lanes {
		cq.lane(lane, concurrency)
	}
	return cq
}

// lane returns the lane, creating it with concurrency if missing.
func (cq *CommandQueue) lane(name string, concurrency int) *laneState {
	cq.mu.RLock()
	ls, ok := cq.lanes[name]
	cq.mu.RUnlock()
	if ok {
		return ls
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok := cq.lanes[name]; ok {
		return ls
	}
	if concurrency < 1 {
		concurrency = 1
	}
	ls = &laneState{concurrency: concurrency}
	cq.lanes[name] = ls
	cq.logger.Debug().Str("lane", name).Int("concurrency", concurrency).Msg("Lane initialized")
	return ls
}

// Submit adds a task to lane without waiting. Task failures are logged. A
// task that is accepted either runs or has its OnReject called.
func (cq *CommandQueue) Submit(ctx context.Context, lane string, task Task, options *TaskOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return ErrClosed
	}
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}
	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
	}

	ls := cq.lane(lane, 1)
	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, cq.logger)
	logger.Debug().
		Str("lane", lane).
		Str("task_id", taskID).
		Int("queue_size", queueSize).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	if opts.WarnAfter > 0 {
		cq.wg.Add(1)
		go cq.warnIfWaiting(record, lane, ls)
	}

	cq.processLane(lane, ls)
	return nil
}

// processLane starts queued tasks while the lane has capacity.
func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		ls.running++

		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
	observability.SetQueueSize(lane, len(ls.queue))
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, tracing.TracerName, "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	logger := tracing.LoggerFromContext(taskCtx, cq.logger).With().
		Str("lane", lane).
		Str("task_id", record.id).
		Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	start := time.Now()
	err := cq.run(runCtx, record.task)
	duration := time.Since(start)

	stopCancel()
	cancel()
	tracing.EndSpan(span, err)

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	if err != nil {
		logger.Error().Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	cq.processLane(lane, ls)
}

func (cq *CommandQueue) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (cq *CommandQueue) warnIfWaiting(record *taskRecord, lane string, ls *laneState) {
	defer cq.wg.Done()

	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-cq.ctx.Done():
		return
	}

	ls.mu.Lock()
	queuePos := -1
	for i, r := range ls.queue {
		if r.id == record.id {
			queuePos = i
			break
		}
	}
	ls.mu.Unlock()
	if queuePos < 0 {
		return
	}

	cq.logger.Warn().
		Str("lane", lane).
		Str("task_id", record.id).
		Dur("wait", time.Since(record.enqueuedAt)).
		Int("queue_pos", queuePos).
		Msg("Task waiting longer than expected")
}

// Stats returns a snapshot of every lane, sorted by name.
func (cq *CommandQueue) Stats() []LaneStats {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make([]LaneStats, 0, len(cq.lanes))
	for name, ls := range cq.lanes {
		ls.mu.Lock()
		stats = append(stats, LaneStats{
			Lane:        name,
			Queued:      len(ls.queue),
			Running:     ls.running,
			Concurrency: ls.concurrency,
		})
		ls.mu.Unlock()
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Lane < stats[j].Lane })
	return stats
}

func (cq *CommandQueue) reject(lane string, ls *laneState, cause error) int {
	ls.mu.Lock()
	dropped := ls.queue
	ls.queue = nil
	ls.mu.Unlock()

	for _, record := range dropped {
		if record.options.OnReject != nil {
			record.options.OnReject(cause)
		}
	}
	if len(dropped) > 0 {
		cq.logger.Info().Str("lane", lane).Int("dropped", len(dropped)).Err(cause).Msg("Queued tasks rejected")
	}
	observability.SetQueueSize(lane, 0)
	return len(dropped)
}

// WaitForActive waits until no task is queued or running, or timeout elapses.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		idle := true
		for _, s := range cq.Stats() {
			if s.Queued > 0 || s.Running > 0 {
				idle = false
				break
			}
		}
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			cq.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects queued tasks, cancels running ones and waits for them.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	lanes := make(map[string]*laneState, len(cq.lanes))
	for name, ls := range cq.lanes {
		lanes[name] = ls
	}
	cq.mu.Unlock()

	for name, ls := range lanes {
		cq.reject(name, ls, ErrClosed)
	}
	cq.cancel()
	cq.wg.Wait()
	return nil
}
