// Package xferengine implements the cross-account transfer engine (C6): it
// copies or moves files between two authenticated accounts without a local
// round-trip, using the provider's public-link export/import primitive as
// the conduit. This is the hardest subsystem in the module — a four-step
// pipeline that must stay correct under cancellation, retries, and partial
// failure.
package xferengine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rescale-labs/accountbridge/internal/constants"
	"github.com/rescale-labs/accountbridge/internal/events"
	"github.com/rescale-labs/accountbridge/internal/idgen"
	"github.com/rescale-labs/accountbridge/internal/provider"
	"github.com/rescale-labs/accountbridge/internal/sessionpool"
	"github.com/rescale-labs/accountbridge/internal/transferrecord"
	"github.com/rescale-labs/accountbridge/internal/translog"
)

// Engine-visible error taxonomy (spec.md §4.5.5). These wrap into each
// transfer's ErrorCode/ErrorMessage rather than crossing a component
// boundary as a Go error.
var (
	ErrSourceUnavailable = errors.New("xferengine: source account session not ready")
	ErrTargetUnavailable = errors.New("xferengine: target account session not ready")
	ErrSourceNotFound    = errors.New("xferengine: source path not found")
	ErrExportFailed      = errors.New("xferengine: export failed")
	ErrImportFailed      = errors.New("xferengine: failed to import any files to target account")
	ErrCancelled         = errors.New("xferengine: cancelled")
	ErrInternal          = errors.New("xferengine: invalid step state")
)

// Admission errors.
var (
	ErrEmptyPaths    = errors.New("xferengine: source_paths must not be empty")
	ErrSameAccount   = errors.New("xferengine: source and target account must differ")
	ErrEmptyAccount  = errors.New("xferengine: account id must not be empty")
	ErrNotFailed     = errors.New("xferengine: transfer is not in a retryable state")
	ErrUnknownXfer   = errors.New("xferengine: unknown transfer id")
)

type linkEntry struct {
	path string
	link string
}

// task is the engine-internal augmentation of a CrossAccountTransfer: the
// per-step state machine position plus bookkeeping needed for cleanup and
// resumable cancellation.
type task struct {
	mu     sync.Mutex
	record *transferrecord.CrossAccountTransfer

	currentStep      int
	tempLinks        []linkEntry
	newlyExported    map[string]bool
	sourceNodes      map[string]*provider.Node
	currentFileIndex int
	cancelled        atomic.Bool
}

func (t *task) Cancelled() bool { return t.cancelled.Load() }

// sessionSource is the subset of the session pool the engine uses to obtain
// and pin provider clients for a transfer's two accounts.
type sessionSource interface {
	EnsureSession(ctx context.Context, accountID string) (provider.Client, error)
	GetSession(accountID string) (provider.Client, bool)
	Pin(accountID string)
	Unpin(accountID string)
}

// Engine queues, executes, retries, and cancels cross-account transfers.
type Engine struct {
	pool     sessionSource
	log      *translog.Store
	eventBus *events.EventBus
	workers  int

	mu      sync.Mutex
	tasks   map[string]*task
	queue   chan string
	syncing map[string]bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs an Engine with the given worker pool size (default
// constants.DefaultEngineWorkers if workers <= 0) and starts its worker
// goroutines.
func New(pool *sessionpool.Pool, log *translog.Store, eventBus *events.EventBus, workers int) *Engine {
	if workers <= 0 {
		workers = constants.DefaultEngineWorkers
	}
	e := &Engine{
		pool:     pool,
		log:      log,
		eventBus: eventBus,
		workers:  workers,
		tasks:    make(map[string]*task),
		queue:    make(chan string, 4096),
		syncing:  make(map[string]bool),
		stop:     make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.workerLoop()
	}
	return e
}

// Shutdown stops the workers and waits for them to exit: a worker finishes
// the task it is running and does not pick up queued ones. Copy, Move and
// Retry are not rejected afterwards; what they enqueue is not run.
func (e *Engine) Shutdown() {
	close(e.stop)
	e.wg.Wait()
}

func (e *Engine) workerLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case id, ok := <-e.queue:
			if !ok {
				return
			}
			e.mu.Lock()
			t, exists := e.tasks[id]
			e.mu.Unlock()
			if !exists {
				continue
			}
			e.runTaskRecovered(t)
		}
	}
}

// Copy enqueues a copy of paths from source to target at targetPath.
func (e *Engine) Copy(ctx context.Context, paths []string, sourceID, targetID, targetPath string) (string, error) {
	return e.enqueue(ctx, paths, sourceID, targetID, targetPath, transferrecord.Copy, false)
}

// Move enqueues a move of paths from source to target at targetPath. If
// skipLinkWarning is false and any source path already has a public link,
// the move is rejected: shared_links_will_break is emitted and ("", nil) is
// returned so the caller can re-invoke with skipLinkWarning=true.
func (e *Engine) Move(ctx context.Context, paths []string, sourceID, targetID, targetPath string, skipLinkWarning bool) (string, error) {
	return e.enqueue(ctx, paths, sourceID, targetID, targetPath, transferrecord.Move, skipLinkWarning)
}

func (e *Engine) enqueue(ctx context.Context, paths []string, sourceID, targetID, targetPath string, op transferrecord.Operation, skipLinkWarning bool) (string, error) {
	if len(paths) == 0 {
		return "", ErrEmptyPaths
	}
	if sourceID == "" || targetID == "" {
		return "", ErrEmptyAccount
	}
	if sourceID == targetID {
		return "", ErrSameAccount
	}

	sourceClient, err := e.pool.EnsureSession(ctx, sourceID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	if op == transferrecord.Move && !skipLinkWarning {
		withLinks, err := e.PathsWithSharedLinks(ctx, sourceClient, paths)
		if err == nil && len(withLinks) > 0 {
			e.publishLinksWillBreak(paths, withLinks, sourceID, targetID, targetPath)
			return "", nil
		}
	}

	bytesTotal, filesTotal := e.bestEffortSize(ctx, sourceClient, paths)

	id := idgen.Transfer()
	rec := &transferrecord.CrossAccountTransfer{
		ID:              id,
		Timestamp:       time.Now(),
		SourceAccountID: sourceID,
		SourcePaths:     paths,
		TargetAccountID: targetID,
		TargetPath:      targetPath,
		Operation:       op,
		Status:          transferrecord.Pending,
		BytesTotal:      bytesTotal,
		FilesTotal:      filesTotal,
		CanRetry:        true,
	}

	if e.log != nil {
		if err := e.log.Log(rec); err != nil {
			return "", fmt.Errorf("xferengine: logging transfer: %w", err)
		}
	}

	t := &task{record: rec, newlyExported: make(map[string]bool), sourceNodes: make(map[string]*provider.Node)}
	e.mu.Lock()
	e.tasks[id] = t
	e.mu.Unlock()

	e.queue <- id
	return id, nil
}

// PathsWithSharedLinks returns the subset of paths that are currently
// exported on the given source client.
func (e *Engine) PathsWithSharedLinks(ctx context.Context, sourceClient provider.Client, paths []string) ([]string, error) {
	var withLinks []string
	for _, p := range paths {
		node, err := sourceClient.NodeByPath(ctx, p).Wait(ctx)
		if err != nil {
			continue
		}
		if node.IsExported {
			withLinks = append(withLinks, p)
		}
	}
	return withLinks, nil
}

func (e *Engine) bestEffortSize(ctx context.Context, client provider.Client, paths []string) (bytes int64, files int) {
	for _, p := range paths {
		b, f := e.walkSize(ctx, client, p)
		bytes += b
		files += f
	}
	return
}

func (e *Engine) walkSize(ctx context.Context, client provider.Client, p string) (int64, int) {
	node, err := client.NodeByPath(ctx, p).Wait(ctx)
	if err != nil {
		return 0, 0
	}
	if !node.IsFolder {
		return node.Size, 1
	}
	children, err := client.Children(ctx, node).Wait(ctx)
	if err != nil {
		return 0, 0
	}
	var bytes int64
	var files int
	for _, c := range children {
		b, f := e.walkSize(ctx, client, c.Path)
		bytes += b
		files += f
	}
	return bytes, files
}

// Cancel marks id's task cancelled. In-flight SDK requests finish but the
// remaining export and import work is skipped; cleanup still disables the
// exports the engine created, and a cancelled move keeps its source files.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	t, ok := e.tasks[id]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownXfer
	}
	t.cancelled.Store(true)
	return nil
}

// Retry creates a fresh transfer with the same endpoints as id, only valid
// if id is Failed and can still be retried. Returns ("", nil) if not.
func (e *Engine) Retry(ctx context.Context, id string) (string, error) {
	var original *transferrecord.CrossAccountTransfer
	if e.log != nil {
		t, err := e.log.Get(id)
		if err != nil {
			return "", fmt.Errorf("xferengine: looking up %s: %w", id, err)
		}
		original = t
	}
	if original == nil {
		return "", ErrUnknownXfer
	}
	if original.Status != transferrecord.Failed || !original.CanRetry {
		return "", nil
	}

	newID := idgen.Transfer()
	rec := &transferrecord.CrossAccountTransfer{
		ID:              newID,
		Timestamp:       time.Now(),
		SourceAccountID: original.SourceAccountID,
		SourcePaths:     original.SourcePaths,
		TargetAccountID: original.TargetAccountID,
		TargetPath:      original.TargetPath,
		Operation:       original.Operation,
		Status:          transferrecord.Pending,
		BytesTotal:      original.BytesTotal,
		FilesTotal:      original.FilesTotal,
		RetryCount:      original.RetryCount + 1,
		CanRetry:        original.RetryCount+1 < constants.MaxRetryCount,
	}
	if e.log != nil {
		if err := e.log.Log(rec); err != nil {
			return "", fmt.Errorf("xferengine: logging retry: %w", err)
		}
	}

	t := &task{record: rec, newlyExported: make(map[string]bool), sourceNodes: make(map[string]*provider.Node)}
	e.mu.Lock()
	e.tasks[newID] = t
	e.mu.Unlock()
	e.queue <- newID
	return newID, nil
}

// IsSyncing reports whether accountID is an endpoint of an in-progress
// transfer.
func (e *Engine) IsSyncing(accountID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing[accountID]
}

func (e *Engine) setSyncing(ids ...string) {
	e.mu.Lock()
	for _, id := range ids {
		e.syncing[id] = true
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.publishSyncStatus(id, true)
	}
}

func (e *Engine) clearSyncing(ids ...string) {
	e.mu.Lock()
	for _, id := range ids {
		delete(e.syncing, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.publishSyncStatus(id, false)
	}
}

func (e *Engine) publishSyncStatus(accountID string, syncing bool) {
	if e.eventBus == nil {
		return
	}
	e.eventBus.Publish(&events.SyncStatusEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventSyncStatusChanged, Time: time.Now()},
		AccountID: accountID,
		Syncing:   syncing,
	})
}

func (e *Engine) publishLinksWillBreak(sourcePaths, withLinks []string, sourceID, targetID, targetPath string) {
	if e.eventBus == nil {
		return
	}
	e.eventBus.Publish(&events.SharedLinksWillBreakEvent{
		BaseEvent:      events.BaseEvent{EventType: events.EventSharedLinksWillBreak, Time: time.Now()},
		SourcePaths:    sourcePaths,
		PathsWithLinks: withLinks,
		SourceID:       sourceID,
		TargetID:       targetID,
		TargetPath:     targetPath,
	})
}

// runTaskRecovered drives a task through steps 1-4 via runTask and turns a
// panic into a failed step 4, so every exit path reaches step 4 and emits
// a terminal event.
func (e *Engine) runTaskRecovered(t *task) {
	defer func() {
		if r := recover(); r != nil {
			e.stepFinish(t, fmt.Errorf("panic: %v", r), "Internal")
		}
	}()
	e.runTask(t)
}

func (e *Engine) runTask(t *task) {
	ctx := context.Background()
	rec := t.record

	e.setSyncing(rec.SourceAccountID, rec.TargetAccountID)
	e.pool.Pin(rec.SourceAccountID)
	e.pool.Pin(rec.TargetAccountID)
	defer e.pool.Unpin(rec.SourceAccountID)
	defer e.pool.Unpin(rec.TargetAccountID)
	defer e.clearSyncing(rec.SourceAccountID, rec.TargetAccountID)

	rec.Status = transferrecord.InProgress
	rec.StartTime = time.Now()
	e.publishTransferEvent(events.EventCrossTransferStarted, rec)

	var stepErr error
	var errCode string

	if !t.Cancelled() {
		t.currentStep = 1
		stepErr, errCode = e.stepExportFromSource(ctx, t)
	}

	if stepErr == nil && !t.Cancelled() {
		t.currentStep = 2
		stepErr, errCode = e.stepImportToTarget(ctx, t)
	}

	t.currentStep = 3
	e.stepCleanup(ctx, t)

	t.currentStep = 4
	e.stepFinish(t, stepErr, errCode)
}

func (e *Engine) stepExportFromSource(ctx context.Context, t *task) (error, string) {
	rec := t.record
	waitCtx, cancel := context.WithTimeout(ctx, constants.SessionWaitTimeout)
	client, err := e.pool.EnsureSession(waitCtx, rec.SourceAccountID)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err), "SourceUnavailable"
	}

	total := len(rec.SourcePaths)
	for i := t.currentFileIndex; i < total; i++ {
		if t.Cancelled() {
			return ErrCancelled, "Cancelled"
		}
		p := rec.SourcePaths[i]

		lookupCtx, lcancel := context.WithTimeout(ctx, constants.ExportTimeout)
		node, err := client.NodeByPath(lookupCtx, p).Wait(lookupCtx)
		lcancel()
		if err != nil {
			return fmt.Errorf("%w: %s", ErrSourceNotFound, p), "SourceNotFound"
		}
		t.sourceNodes[p] = node

		if node.IsExported {
			t.tempLinks = append(t.tempLinks, linkEntry{path: p, link: node.PublicLink})
		} else {
			exportCtx, ecancel := context.WithTimeout(ctx, constants.ExportTimeout)
			link, err := client.ExportNode(exportCtx, node).Wait(exportCtx)
			ecancel()
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrExportFailed, p, err), "ExportFailed"
			}
			t.tempLinks = append(t.tempLinks, linkEntry{path: p, link: link})
			t.newlyExported[p] = true
		}

		t.currentFileIndex = i + 1
		percent := int(math.Floor(float64(i+1) / float64(total) * 100.0 / 3.0))
		e.publishProgress(rec, percent)
	}
	return nil, ""
}

func (e *Engine) stepImportToTarget(ctx context.Context, t *task) (error, string) {
	rec := t.record
	waitCtx, cancel := context.WithTimeout(ctx, constants.SessionWaitTimeout)
	client, err := e.pool.EnsureSession(waitCtx, rec.TargetAccountID)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTargetUnavailable, err), "TargetUnavailable"
	}

	targetFolder, err := e.resolveTargetFolder(ctx, client, rec.TargetPath)
	if err != nil {
		return fmt.Errorf("%w: resolving target path: %v", ErrTargetUnavailable, err), "TargetUnavailable"
	}

	total := len(t.tempLinks)
	successCount := 0
	var bytesDone int64
	for idx, entry := range t.tempLinks {
		if t.Cancelled() {
			break
		}

		resolveCtx, rcancel := context.WithTimeout(ctx, constants.PublicLinkResolveTimeout)
		node, err := client.PublicNodeForLink(resolveCtx, entry.link).Wait(resolveCtx)
		rcancel()
		if err != nil {
			continue
		}

		importCtx, icancel := context.WithTimeout(ctx, constants.ImportTimeout)
		_, err = client.Copy(importCtx, node, targetFolder).Wait(importCtx)
		icancel()
		if err != nil {
			continue
		}
		successCount++
		bytesDone += node.Size

		percent := 33 + int(math.Floor(float64(idx+1)/float64(total)*67.0))
		e.publishProgress(rec, percent)
	}

	rec.FilesTransferred = successCount
	rec.BytesTransferred = bytesDone

	if successCount == 0 && total > 0 {
		return ErrImportFailed, "ImportFailed"
	}
	if successCount < total && e.eventBus != nil {
		e.eventBus.PublishLog(events.WarnLevel, fmt.Sprintf("partial import for %s: %d/%d files", rec.ID, successCount, total), nil)
	}
	return nil, ""
}

func (e *Engine) resolveTargetFolder(ctx context.Context, client provider.Client, targetPath string) (*provider.Node, error) {
	node, err := client.NodeByPath(ctx, targetPath).Wait(ctx)
	if err == nil {
		if !node.IsFolder {
			return nil, fmt.Errorf("target path %s is a file, not a folder", targetPath)
		}
		return node, nil
	}
	root, err := client.FetchNodes(ctx).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return root, nil
}

// stepCleanup disables exports and, for a Move that was not cancelled and
// imported at least one file, removes the source nodes. Runs regardless of
// earlier step outcome, since any exports the engine itself created must
// never leak past a cancelled or failed transfer.
func (e *Engine) stepCleanup(ctx context.Context, t *task) {
	rec := t.record

	client, ok := e.pool.GetSession(rec.SourceAccountID)
	if !ok {
		return
	}

	switch rec.Operation {
	case transferrecord.Move:
		for _, p := range rec.SourcePaths {
			node, ok := t.sourceNodes[p]
			if !ok {
				continue
			}
			if t.newlyExported[p] {
				disableCtx, cancel := context.WithTimeout(ctx, constants.DisableExportTimeout)
				_, _ = client.DisableExport(disableCtx, node).Wait(disableCtx)
				cancel()
			}
			if t.Cancelled() || rec.FilesTransferred == 0 {
				continue
			}
			removeCtx, cancel := context.WithTimeout(ctx, constants.DeleteTimeout)
			_, _ = client.Remove(removeCtx, node).Wait(removeCtx)
			cancel()
		}
	case transferrecord.Copy:
		for p := range t.newlyExported {
			node, ok := t.sourceNodes[p]
			if !ok {
				continue
			}
			disableCtx, cancel := context.WithTimeout(ctx, constants.DisableExportTimeout)
			_, _ = client.DisableExport(disableCtx, node).Wait(disableCtx)
			cancel()
		}
	}
}

func (e *Engine) stepFinish(t *task, stepErr error, errCode string) {
	rec := t.record
	rec.EndTime = time.Now()

	switch {
	case t.Cancelled():
		rec.Status = transferrecord.Cancelled
		rec.ErrorCode = "Cancelled"
	case stepErr != nil:
		rec.Status = transferrecord.Failed
		rec.ErrorMessage = stepErr.Error()
		rec.ErrorCode = errCode
		rec.CanRetry = rec.RetryCount < constants.MaxRetryCount
	default:
		rec.Status = transferrecord.Completed
		rec.ErrorMessage = ""
	}

	if e.log != nil {
		_ = e.log.Update(rec)
	}

	switch rec.Status {
	case transferrecord.Cancelled:
		e.publishTransferEvent(events.EventCrossTransferCancelled, rec)
	case transferrecord.Failed:
		e.publishTransferEvent(events.EventCrossTransferFailed, rec)
	default:
		e.publishTransferEvent(events.EventCrossTransferCompleted, rec)
	}

	e.mu.Lock()
	delete(e.tasks, rec.ID)
	e.mu.Unlock()
}

func (e *Engine) publishProgress(rec *transferrecord.CrossAccountTransfer, percent int) {
	if e.eventBus == nil {
		return
	}
	e.eventBus.Publish(&events.CrossTransferEvent{
		BaseEvent:  events.BaseEvent{EventType: events.EventCrossTransferProgress, Time: time.Now()},
		TransferID: rec.ID,
		Percent:    percent,
		Done:       rec.BytesTransferred,
		Total:      rec.BytesTotal,
	})
}

func (e *Engine) publishTransferEvent(eventType events.EventType, rec *transferrecord.CrossAccountTransfer) {
	if e.eventBus == nil {
		return
	}
	var errVal error
	if rec.ErrorMessage != "" {
		errVal = errors.New(rec.ErrorMessage)
	}
	e.eventBus.Publish(&events.CrossTransferEvent{
		BaseEvent:  events.BaseEvent{EventType: eventType, Time: time.Now()},
		TransferID: rec.ID,
		Percent:    rec.Percent(),
		Done:       rec.BytesTransferred,
		Total:      rec.BytesTotal,
		Error:      errVal,
	})
}

// Get returns the current in-memory record for an active transfer, or the
// persisted row if the transfer has already finished.
func (e *Engine) Get(id string) *transferrecord.CrossAccountTransfer {
	e.mu.Lock()
	t, ok := e.tasks[id]
	e.mu.Unlock()
	if ok {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.record
	}
	if e.log != nil {
		rec, _ := e.log.Get(id)
		return rec
	}
	return nil
}
