// Package transfer provides transfer queue management for uploads and downloads.
// Queue observes transfers in flight; it does not execute them.
// The queue tracks task state and publishes events - execution is handled by callers.
package transfer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rescale-labs/accountbridge/internal/constants"
	"github.com/rescale-labs/accountbridge/internal/events"
)

// RetryExecutor is implemented by components that can retry failed transfers.
// The queue calls ExecuteRetry when a user requests retry on a failed task.
type RetryExecutor interface {
	// ExecuteRetry starts execution of a retry task.
	// The task is already tracked in the queue with state TaskQueued.
	// The executor should call queue.SetCancel(), UpdateProgress(), Complete()/Fail().
	ExecuteRetry(task *TransferTask)
}

// QueueStats holds statistics about the transfer queue.
type QueueStats struct {
	Queued       int
	Initializing int
	Active       int
	Paused       int
	Completed    int
	Failed       int
	Cancelled    int
}

// Total returns total number of tasks in queue.
func (s QueueStats) Total() int {
	return s.Queued + s.Initializing + s.Active + s.Paused + s.Completed + s.Failed + s.Cancelled
}

// Queue is a passive transfer tracker that publishes events for callers to
// display. It does NOT execute transfers - that is handled by the caller.
//
// Architecture:
//   - Queue OBSERVES transfers, does not execute them
//   - Caller registers tasks via TrackTransfer()
//   - Caller updates progress via UpdateProgress()
//   - Caller marks completion via Complete()/Fail()
//   - Queue stores cancel functions and calls them on Cancel()
//   - Queue calls RetryExecutor for Retry requests
//   - Queue publishes per-task events plus a periodic global_speed_update
//     summing upload/download throughput across every active task
type Queue struct {
	// Task storage
	tasks     []*TransferTask          // All tasks in creation order
	tasksByID map[string]*TransferTask // Index by ID for quick lookup
	mu        sync.RWMutex

	// Cancel functions for active tasks
	cancelFuncs map[string]context.CancelFunc

	// Retry executor (handles retry requests)
	retryExecutor RetryExecutor

	// Event publishing
	eventBus *events.EventBus

	// global speed ticker lifecycle
	stopSpeedTicker chan struct{}
	speedTickerDone chan struct{}
}

// NewQueue creates a new transfer queue with the specified event bus and
// starts its global speed aggregator. The queue is immediately ready to
// track tasks - no separate Start() call is needed. Call Close() to stop
// the aggregator when the queue is no longer needed.
func NewQueue(eventBus *events.EventBus) *Queue {
	q := &Queue{
		tasks:           make([]*TransferTask, 0),
		tasksByID:       make(map[string]*TransferTask),
		cancelFuncs:     make(map[string]context.CancelFunc),
		eventBus:        eventBus,
		stopSpeedTicker: make(chan struct{}),
		speedTickerDone: make(chan struct{}),
	}
	go q.globalSpeedTickerLoop()
	return q
}

// Close stops the global speed aggregator. Safe to call once; further use
// of the queue after Close is limited to reading already-tracked tasks.
func (q *Queue) Close() {
	close(q.stopSpeedTicker)
	<-q.speedTickerDone
}

// SetRetryExecutor sets the executor that handles retry requests.
// Must be called before Retry() can work.
func (q *Queue) SetRetryExecutor(executor RetryExecutor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retryExecutor = executor
}

// TrackTransfer registers a new transfer that will be executed elsewhere.
// The task starts in TaskQueued state. Call Activate() when the transfer
// actually starts (e.g., after acquiring a semaphore slot).
//
// Parameters:
//   - name: Display name (usually filename)
//   - size: File size in bytes
//   - taskType: TaskTypeUpload or TaskTypeDownload
//   - source: Source path (local path for upload, file ID for download)
//   - dest: Destination (folder ID for upload, local path for download)
//
// Returns the created task with a unique ID.
func (q *Queue) TrackTransfer(name string, size int64, taskType TaskType, source, dest string) *TransferTask {
	task := NewTransferTask(taskType, name, source, dest, size)
	task.State = TaskQueued // Starts as queued, call Activate() when actually running

	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.tasksByID[task.ID] = task
	q.mu.Unlock()

	// Publish queued event
	q.publishTransferEvent(events.EventTransferQueued, task)

	return task
}

// TrackTransferWithLabel registers a new transfer with a source label.
// Tracks which part of the app originated the transfer.
func (q *Queue) TrackTransferWithLabel(name string, size int64, taskType TaskType, source, dest, sourceLabel string) *TransferTask {
	task := q.TrackTransfer(name, size, taskType, source, dest)
	task.SourceLabel = sourceLabel
	return task
}

// Activate marks a queued task as initializing when it acquires a semaphore slot.
// Call this after acquiring a semaphore slot, BEFORE the actual transfer begins.
// The task will transition to Active when StartTransfer() is called (i.e., when bytes start moving).
func (q *Queue) Activate(taskID string) {
	q.mu.Lock()
	task, exists := q.tasksByID[taskID]
	if exists && task != nil && task.State == TaskQueued {
		task.State = TaskInitializing
		task.StartedAt = time.Now()
	}
	q.mu.Unlock()

	if exists && task != nil {
		q.publishTransferEvent(events.EventTransferInitializing, task)
	}
}

// StartTransfer marks an initializing task as actively transferring.
// Call this when the first progress callback fires (i.e., bytes are actually moving).
// Idempotent: only transitions from TaskInitializing to TaskActive.
func (q *Queue) StartTransfer(taskID string) {
	q.mu.Lock()
	task, exists := q.tasksByID[taskID]
	if exists && task != nil && task.State == TaskInitializing {
		task.State = TaskActive
	}
	q.mu.Unlock()

	if exists && task != nil && task.State == TaskActive {
		q.publishTransferEvent(events.EventTransferStarted, task)
	}
}

// SetCancel stores the cancel function for an active task.
// Call this after creating context.WithCancel() for the transfer.
func (q *Queue) SetCancel(taskID string, cancelFn context.CancelFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelFuncs[taskID] = cancelFn
}

// UpdateSize updates a task's total size. Used when the size isn't known at
// track time (e.g., pipeline uploads where the caller doesn't pass size).
func (q *Queue) UpdateSize(taskID string, size int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if task, ok := q.tasksByID[taskID]; ok && task != nil {
		task.Size = size
	}
}

// UpdateProgress updates a task's progress.
// Progress should be 0.0 to 1.0.
// Speed is calculated automatically using smoothed EMA.
//
// Lock is held for the entire operation to protect
// all task field updates (Progress, Speed, lastUpdateTime) from concurrent access.
func (q *Queue) UpdateProgress(taskID string, progress float64) {
	q.mu.Lock()
	task, exists := q.tasksByID[taskID]
	if !exists || task == nil {
		q.mu.Unlock()
		return
	}

	// smoothed speed calculation
	now := time.Now()
	elapsed := now.Sub(task.lastUpdateTime).Seconds()

	// Only calculate speed if:
	// 1. At least 0.3 seconds elapsed (avoid noisy samples)
	// 2. Progress actually increased (ignore backwards jumps)
	// 3. Progress delta is meaningful (> 0.001 = 0.1%)
	progressDelta := progress - task.Progress
	if elapsed >= 0.3 && progressDelta > 0.001 {
		bytesTransferred := progressDelta * float64(task.Size)
		instantSpeed := bytesTransferred / elapsed

		// Sanity check: clamp to reasonable range (1 KB/s to 1 GB/s)
		if instantSpeed < 1024 {
			instantSpeed = 0 // Ignore tiny speeds
		} else if instantSpeed > 1024*1024*1024 {
			instantSpeed = task.Speed // Keep previous if absurdly high
		}

		if instantSpeed > 0 {
			// EMA with alpha=0.1 for smoother updates (was 0.25)
			if task.Speed == 0 {
				task.Speed = instantSpeed
			} else {
				task.Speed = 0.1*instantSpeed + 0.9*task.Speed
			}
		}
	}

	task.Progress = progress
	task.lastUpdateTime = now
	q.mu.Unlock()

	// Publish progress event (outside lock to avoid holding lock during event dispatch)
	q.publishTransferEvent(events.EventTransferProgress, task)
}

// Complete marks a task as successfully completed.
func (q *Queue) Complete(taskID string) {
	q.mu.Lock()
	task, exists := q.tasksByID[taskID]
	if exists && task != nil {
		task.State = TaskCompleted
		task.Progress = 1.0
		task.CompletedAt = time.Now()
	}
	delete(q.cancelFuncs, taskID) // Clean up cancel function
	q.mu.Unlock()

	if exists && task != nil {
		q.publishTransferEvent(events.EventTransferCompleted, task)
	}
}

// Fail marks a task as failed with an error.
func (q *Queue) Fail(taskID string, err error) {
	q.mu.Lock()
	task, exists := q.tasksByID[taskID]
	if exists && task != nil {
		task.State = TaskFailed
		task.Error = err
		task.CompletedAt = time.Now()
	}
	delete(q.cancelFuncs, taskID) // Clean up cancel function
	q.mu.Unlock()

	if exists && task != nil {
		q.publishTransferEvent(events.EventTransferFailed, task)
	}
}

// Cancel cancels an active or initializing task by calling its stored cancel function.
func (q *Queue) Cancel(taskID string) error {
	q.mu.Lock()
	task, exists := q.tasksByID[taskID]
	cancelFn := q.cancelFuncs[taskID]
	q.mu.Unlock()

	if !exists || task == nil {
		return errors.New("task not found")
	}

	// Only cancel if task is active or initializing
	state := task.GetState()
	if state != TaskActive && state != TaskInitializing {
		return errors.New("task is not active or initializing")
	}

	// Call cancel function if available
	if cancelFn != nil {
		cancelFn()
	}

	// Update state
	q.mu.Lock()
	task.State = TaskCancelled
	task.CompletedAt = time.Now()
	delete(q.cancelFuncs, taskID)
	q.mu.Unlock()

	q.publishTransferEvent(events.EventTransferCancelled, task)
	return nil
}

// CancelAll cancels all active and initializing tasks.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	tasksToCancel := make([]*TransferTask, 0)
	cancelFns := make([]context.CancelFunc, 0)

	for _, task := range q.tasks {
		if task.State == TaskActive || task.State == TaskInitializing {
			tasksToCancel = append(tasksToCancel, task)
			if fn := q.cancelFuncs[task.ID]; fn != nil {
				cancelFns = append(cancelFns, fn)
			}
		}
	}
	q.mu.Unlock()

	// Call all cancel functions
	for _, fn := range cancelFns {
		fn()
	}

	// Update states and publish events
	q.mu.Lock()
	for _, task := range tasksToCancel {
		task.State = TaskCancelled
		task.CompletedAt = time.Now()
		delete(q.cancelFuncs, task.ID)
	}
	q.mu.Unlock()

	for _, task := range tasksToCancel {
		q.publishTransferEvent(events.EventTransferCancelled, task)
	}
}

// Retry resets a failed or cancelled task and re-queues it for execution.
// Reuses the same task entry instead of creating a duplicate.
// Returns the same task ID (not a new one).
func (q *Queue) Retry(taskID string) (string, error) {
	q.mu.Lock()
	originalTask, exists := q.tasksByID[taskID]
	executor := q.retryExecutor
	q.mu.Unlock()

	if !exists || originalTask == nil {
		return "", errors.New("task not found")
	}

	if !originalTask.CanRetry() {
		return "", errors.New("task cannot be retried")
	}

	if executor == nil {
		return "", errors.New("no retry executor configured")
	}

	// Reset the existing task instead of creating a new one.
	// This keeps a single entry in the queue instead of duplicates.
	originalTask.mu.Lock()
	originalTask.State = TaskQueued
	originalTask.Progress = 0.0
	originalTask.Speed = 0.0
	originalTask.Error = nil
	originalTask.StartedAt = time.Time{}
	originalTask.CompletedAt = time.Time{}
	originalTask.lastBytes = 0
	originalTask.lastUpdateTime = time.Time{}
	// Note: Keep ID, Type, Name, Source, Dest, Size, CreatedAt unchanged
	originalTask.mu.Unlock()

	q.publishTransferEvent(events.EventTransferQueued, originalTask)

	// Execute retry via executor (in goroutine to not block)
	go executor.ExecuteRetry(originalTask)

	return taskID, nil // same id, not a new one
}

// ClearCompleted removes all completed/failed/cancelled tasks from the queue.
func (q *Queue) ClearCompleted() {
	q.mu.Lock()
	defer q.mu.Unlock()

	filtered := make([]*TransferTask, 0, len(q.tasks))
	for _, task := range q.tasks {
		if !task.IsTerminal() {
			filtered = append(filtered, task)
		} else {
			delete(q.tasksByID, task.ID)
		}
	}
	q.tasks = filtered
}

// GetStats returns current queue statistics.
func (q *Queue) GetStats() QueueStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := QueueStats{}
	for _, task := range q.tasks {
		switch task.GetState() {
		case TaskQueued:
			stats.Queued++
		case TaskInitializing:
			stats.Initializing++
		case TaskActive:
			stats.Active++
		case TaskPaused:
			stats.Paused++
		case TaskCompleted:
			stats.Completed++
		case TaskFailed:
			stats.Failed++
		case TaskCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// GetTasks returns a copy of all tasks for display.
func (q *Queue) GetTasks() []TransferTask {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]TransferTask, len(q.tasks))
	for i, task := range q.tasks {
		result[i] = task.Clone()
	}
	return result
}

// GetTask returns a copy of a specific task by ID.
func (q *Queue) GetTask(taskID string) (TransferTask, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	task, exists := q.tasksByID[taskID]
	if !exists || task == nil {
		return TransferTask{}, false
	}
	return task.Clone(), true
}

// publishTransferEvent publishes a transfer event to the event bus.
func (q *Queue) publishTransferEvent(eventType events.EventType, task *TransferTask) {
	if q.eventBus == nil {
		return
	}

	event := &events.TransferEvent{
		BaseEvent: events.BaseEvent{
			EventType: eventType,
			Time:      time.Now(),
		},
		TaskID:   task.ID,
		TaskType: string(task.Type),
		Name:     task.Name,
		Size:     task.Size,
		Progress: task.GetProgress(),
		Speed:    task.GetSpeed(),
		Error:    task.GetError(),
	}
	q.eventBus.Publish(event)
}

// globalSpeedTickerLoop publishes a global_speed_update event every
// constants.GlobalSpeedTickerInterval summing the EMA speed of every
// currently active task, split by direction. Runs for the queue's lifetime;
// stopped by Close.
func (q *Queue) globalSpeedTickerLoop() {
	defer close(q.speedTickerDone)

	ticker := time.NewTicker(constants.GlobalSpeedTickerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.publishGlobalSpeed()
		case <-q.stopSpeedTicker:
			return
		}
	}
}

// publishGlobalSpeed sums the speed of every active task by direction and
// publishes the result. Publishes even when both sums are zero so a
// consumer can observe the transition back to idle.
func (q *Queue) publishGlobalSpeed() {
	if q.eventBus == nil {
		return
	}

	q.mu.RLock()
	var uploadBps, downloadBps float64
	for _, task := range q.tasks {
		if task.GetState() != TaskActive {
			continue
		}
		switch task.Type {
		case TaskTypeUpload:
			uploadBps += task.GetSpeed()
		case TaskTypeDownload:
			downloadBps += task.GetSpeed()
		}
	}
	q.mu.RUnlock()

	q.eventBus.Publish(&events.GlobalSpeedEvent{
		BaseEvent: events.BaseEvent{
			EventType: events.EventGlobalSpeedUpdate,
			Time:      time.Now(),
		},
		UploadBps:   uploadBps,
		DownloadBps: downloadBps,
	})
}
