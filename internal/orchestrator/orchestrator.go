// Package orchestrator is the entry point for inbound messages. It decides
// whether a message is a control command or content for the thread's worker,
// and keeps thread history, live workers and storage consistent.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/roundhouse/internal/keylock"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/storage"
	"github.com/zulandar/roundhouse/internal/worker"
	"go.uber.org/zap"
)

const (
	// TimeoutResponse is returned when a worker misses its deadline.
	TimeoutResponse = "Request timed out and the worker process was killed. Send your message again to start a fresh worker."
	// ShuttingDownResponse is returned once Shutdown has begun.
	ShuttingDownResponse = "Roundhouse is shutting down. Try again shortly."
)

// Orchestrator routes messages for many threads concurrently. Requests for
// the same thread are processed one at a time, in lock acquisition order.
type Orchestrator struct {
	store          storage.Storage
	pool           *worker.Pool
	subtasks       *SubtaskManager
	prefix         string
	workspace      string
	persistPending bool
	logger         *zap.Logger

	locks keylock.Locker

	mu     sync.Mutex
	closed bool
}

// Opts holds parameters for creating an Orchestrator.
type Opts struct {
	Storage             storage.Storage
	Pool                *worker.Pool
	Workspace           string
	CommandPrefix       string        // defaults to "/"
	SubtaskTimeout      time.Duration // default subtask timeout
	MaxSubtasks         int           // 0 means unbounded
	KeepSubtasks        int           // finished subtasks retained, default 100
	PersistPendingTurns bool          // save the user turn before delegating
	Logger              *zap.Logger
}

// New creates an Orchestrator.
func New(opts Opts) (*Orchestrator, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("orchestrator: storage is required")
	}
	if opts.Pool == nil {
		return nil, fmt.Errorf("orchestrator: pool is required")
	}
	if opts.Workspace == "" {
		return nil, fmt.Errorf("orchestrator: workspace is required")
	}
	prefix := opts.CommandPrefix
	if prefix == "" {
		prefix = "/"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	subtasks, err := NewSubtaskManager(SubtaskManagerOpts{
		Starter:        opts.Pool,
		Workspace:      opts.Workspace,
		DefaultTimeout: opts.SubtaskTimeout,
		MaxRunning:     opts.MaxSubtasks,
		KeepFinished:   opts.KeepSubtasks,
		Logger:         logger.Named("subtasks"),
	})
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		store:          opts.Storage,
		pool:           opts.Pool,
		subtasks:       subtasks,
		prefix:         prefix,
		workspace:      opts.Workspace,
		persistPending: opts.PersistPendingTurns,
		logger:         logger,
	}, nil
}

// Subtasks exposes the subtask registry.
func (o *Orchestrator) Subtasks() *SubtaskManager { return o.subtasks }

// Prefix returns the control command prefix.
func (o *Orchestrator) Prefix() string { return o.prefix }

// OnSubtaskDone registers a best-effort sink for finished subtasks.
func (o *Orchestrator) OnSubtaskDone(fn func(Subtask)) {
	o.subtasks.OnDone(fn)
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// HandleMessage processes one inbound message and returns the reply text.
// It never returns an error: every failure becomes a readable response.
func (o *Orchestrator) HandleMessage(ctx context.Context, originID int64, threadID, text string) string {
	if o.isClosed() {
		return ShuttingDownResponse
	}
	if cmd, ok := ParseCommand(o.prefix, text); ok {
		return o.execute(ctx, threadID, cmd)
	}
	return o.delegate(ctx, originID, threadID, text)
}

// HandleMessageStreaming is the streaming form of HandleMessage. The worker
// protocol is request/response, so the sequence performs one round trip
// when iterated and yields exactly one chunk holding the full reply.
func (o *Orchestrator) HandleMessageStreaming(ctx context.Context, originID int64, threadID, text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		yield(o.HandleMessage(ctx, originID, threadID, text))
	}
}

// SpawnSubtask starts a detached subtask for parentThreadID and returns an
// acknowledgment. The result arrives later through the OnSubtaskDone sinks.
func (o *Orchestrator) SpawnSubtask(parentThreadID, task string, timeout time.Duration) string {
	st, err := o.subtasks.Spawn(parentThreadID, task, timeout)
	if err != nil {
		if errors.Is(err, ErrShuttingDown) {
			return ShuttingDownResponse
		}
		return fmt.Sprintf("Could not spawn subtask: %v", err)
	}
	return fmt.Sprintf("Spawned subtask `%s` (timeout %s). The result will be posted here when it finishes.", st.ID, st.Timeout)
}

// threadWorkspace is the working directory for a thread's worker. Worker
// directories live under <workspace>/workers, apart from stored threads.
func (o *Orchestrator) threadWorkspace(threadID string) string {
	return workspaceDir(o.workspace, "workers", threadID)
}

// workspaceDir maps id to exactly one directory below root/kind. Separators
// are escaped and a leading dot is encoded, so "." and ".." name ordinary
// children rather than kind itself or root.
func workspaceDir(root, kind, id string) string {
	name := url.PathEscape(id)
	switch {
	case name == "":
		name = "%"
	case strings.HasPrefix(name, "."):
		name = "%2E" + name[1:]
	}
	return filepath.Join(root, kind, name)
}

// delegate runs the full content path for one turn under the thread lock.
func (o *Orchestrator) delegate(ctx context.Context, originID int64, threadID, text string) string {
	log := o.logger.With(zap.String("thread", threadID))

	unlock, err := o.locks.Lock(ctx, threadID)
	if err != nil {
		return fmt.Sprintf("Error: request cancelled while waiting for thread: %v", err)
	}
	defer unlock()

	thread, err := o.store.Load(ctx, threadID)
	if err != nil {
		log.Error("load thread", zap.Error(err))
		return fmt.Sprintf("Error: %v", err)
	}
	if thread == nil {
		thread = models.NewThread(threadID, originID)
	}
	thread.Append(models.RoleUser, text)

	if o.persistPending {
		if err := o.store.Save(ctx, thread); err != nil {
			log.Error("save pending turn", zap.Error(err))
			return fmt.Sprintf("Error: %v", err)
		}
	}

	w, err := o.pool.GetOrCreate(ctx, threadID, o.threadWorkspace(threadID))
	if err != nil {
		return o.failureText(log, threadID, err)
	}

	reply, err := w.SendMessage(ctx, text)
	if err != nil {
		return o.failureText(log, threadID, err)
	}

	thread.Append(models.RoleAssistant, reply)
	if err := o.store.Save(ctx, thread); err != nil {
		log.Error("save thread", zap.Error(err))
		return reply + "\n\n" + fmt.Sprintf("(Warning: this turn was not saved: %v)", err)
	}
	return reply
}

// failureText converts a delegation failure into a response, removing the
// worker from the pool when the failure means the process is gone.
func (o *Orchestrator) failureText(log *zap.Logger, threadID string, err error) string {
	var (
		timeoutErr *worker.TimeoutError
		workerErr  *worker.WorkerError
		startErr   *worker.ProcessStartError
	)
	switch {
	case errors.As(err, &timeoutErr):
		o.pool.KillThread(threadID)
		log.Warn("worker timed out", zap.Duration("timeout", timeoutErr.Timeout))
		return TimeoutResponse
	case errors.As(err, &workerErr):
		o.pool.KillThread(threadID)
		log.Warn("worker failed", zap.Error(err))
		return fmt.Sprintf("Error: worker failed: %v", workerErr.Err)
	case errors.As(err, &startErr):
		log.Error("worker start failed", zap.Error(err))
		return fmt.Sprintf("Error: could not start worker: %v", startErr.Err)
	case errors.Is(err, worker.ErrPoolClosed):
		return ShuttingDownResponse
	default:
		log.Error("delegation failed", zap.Error(err))
		return fmt.Sprintf("Error: %v", err)
	}
}

// Status is a point-in-time summary of the orchestrator.
type Status struct {
	Workers         []worker.Info `json:"workers"`
	StoredThreads   int           `json:"stored_threads"`
	RunningSubtasks int           `json:"running_subtasks"`
}

// Status reports live workers, stored threads and running subtasks.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	o.pool.ListActive() // reap dead entries before describing them
	ids, err := o.store.ListThreads(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Workers:         o.pool.Snapshot(),
		StoredThreads:   len(ids),
		RunningSubtasks: o.subtasks.Running(),
	}, nil
}

// Thread loads a stored thread; nil means not found.
func (o *Orchestrator) Thread(ctx context.Context, threadID string) (*models.Thread, error) {
	return o.store.Load(ctx, threadID)
}

// ListThreads returns all stored thread ids.
func (o *Orchestrator) ListThreads(ctx context.Context) ([]string, error) {
	return o.store.ListThreads(ctx)
}

// ActiveThreads returns thread ids with a live worker.
func (o *Orchestrator) ActiveThreads() []string {
	return o.pool.ListActive()
}

// KillWorker kills the worker for threadID and reports whether one was live.
func (o *Orchestrator) KillWorker(threadID string) bool {
	return o.pool.KillThread(threadID)
}

// Cleanup kills every live worker and reports how many there were.
func (o *Orchestrator) Cleanup() (int, error) {
	n := len(o.pool.ListActive())
	if err := o.pool.Cleanup(); err != nil {
		return n, err
	}
	return n, nil
}

// DeleteThread kills the thread's worker and removes its stored record.
// Killing first releases any in-flight turn so the thread lock frees up.
func (o *Orchestrator) DeleteThread(ctx context.Context, threadID string) (bool, error) {
	o.pool.KillThread(threadID)
	unlock, err := o.locks.Lock(ctx, threadID)
	if err != nil {
		return false, err
	}
	defer unlock()
	return o.store.Delete(ctx, threadID)
}

// Shutdown stops accepting messages, cancels subtasks and kills every
// worker. No worker process outlives a successful return.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.logger.Info("orchestrator shutting down")
	subErr := o.subtasks.Shutdown(ctx)
	poolErr := o.pool.Shutdown()
	return errors.Join(subErr, poolErr)
}
