package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/roundhouse/internal/worker"
	"go.uber.org/zap"
)

// SubtaskStatus is the lifecycle state of a subtask.
type SubtaskStatus string

const (
	SubtaskRunning SubtaskStatus = "running"
	SubtaskDone    SubtaskStatus = "done"
	SubtaskFailed  SubtaskStatus = "failed"
)

var (
	// ErrTooManySubtasks is returned when max_running subtasks are active.
	ErrTooManySubtasks = errors.New("too many subtasks running")
	// ErrShuttingDown is returned once Shutdown has begun.
	ErrShuttingDown = errors.New("shutting down")
)

// Subtask is a detached background job spawned from a thread.
type Subtask struct {
	ID             string        `json:"id"`
	ParentThreadID string        `json:"parent_thread_id"`
	Task           string        `json:"task"`
	Timeout        time.Duration `json:"timeout"`
	Status         SubtaskStatus `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at,omitempty"`
	Result         string        `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// DetachedStarter launches untracked workers. *worker.Pool implements it.
type DetachedStarter interface {
	StartDetached(ctx context.Context, id, workspace string, timeout time.Duration) (*worker.Worker, error)
}

// SubtaskManager runs subtasks to completion in their own goroutines and
// hands each outcome to the registered sinks.
type SubtaskManager struct {
	starter        DetachedStarter
	workspace      string
	defaultTimeout time.Duration
	maxRunning     int
	keepFinished   int
	logger         *zap.Logger
	now            func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	tasks    map[string]*Subtask
	finished []string // ids of finished subtasks, oldest first
	running  int
	closed   bool
	sinks    []func(Subtask)
}

// SubtaskManagerOpts holds parameters for creating a SubtaskManager.
type SubtaskManagerOpts struct {
	Starter        DetachedStarter
	Workspace      string // subtask workspaces live under <Workspace>/subtasks
	DefaultTimeout time.Duration
	MaxRunning     int // 0 means unbounded
	KeepFinished   int // finished subtasks retained, default 100
	Logger         *zap.Logger
}

// NewSubtaskManager creates a SubtaskManager.
func NewSubtaskManager(opts SubtaskManagerOpts) (*SubtaskManager, error) {
	if opts.Starter == nil {
		return nil, fmt.Errorf("orchestrator: subtasks: starter is required")
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Minute
	}
	if opts.KeepFinished <= 0 {
		opts.KeepFinished = 100
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SubtaskManager{
		starter:        opts.Starter,
		workspace:      opts.Workspace,
		defaultTimeout: opts.DefaultTimeout,
		maxRunning:     opts.MaxRunning,
		keepFinished:   opts.KeepFinished,
		logger:         logger,
		now:            time.Now,
		ctx:            ctx,
		cancel:         cancel,
		tasks:          make(map[string]*Subtask),
	}, nil
}

// OnDone registers a sink called with every finished subtask. Sinks run on
// the subtask's goroutine and must not block for long.
func (m *SubtaskManager) OnDone(fn func(Subtask)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, fn)
}

// Spawn registers and starts a subtask, returning immediately. A
// non-positive timeout selects the default.
func (m *SubtaskManager) Spawn(parentThreadID, task string, timeout time.Duration) (Subtask, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return Subtask{}, fmt.Errorf("orchestrator: subtask task is empty")
	}
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Subtask{}, ErrShuttingDown
	}
	if m.maxRunning > 0 && m.running >= m.maxRunning {
		m.mu.Unlock()
		return Subtask{}, fmt.Errorf("%w (limit %d)", ErrTooManySubtasks, m.maxRunning)
	}
	started := m.now()
	nanos := started.UnixNano()
	id := fmt.Sprintf("%s-%d", parentThreadID, nanos)
	for m.tasks[id] != nil {
		nanos++
		id = fmt.Sprintf("%s-%d", parentThreadID, nanos)
	}
	st := &Subtask{
		ID:             id,
		ParentThreadID: parentThreadID,
		Task:           task,
		Timeout:        timeout,
		Status:         SubtaskRunning,
		StartedAt:      started,
	}
	m.tasks[id] = st
	m.running++
	m.wg.Add(1)
	snapshot := *st
	m.mu.Unlock()

	m.logger.Info("subtask spawned",
		zap.String("subtask", id),
		zap.String("parent", parentThreadID),
		zap.Duration("timeout", timeout))

	go m.run(snapshot)
	return snapshot, nil
}

func (m *SubtaskManager) run(st Subtask) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, st.Timeout)
	defer cancel()

	workspace := workspaceDir(m.workspace, "subtasks", st.ID)
	result, err := m.execute(ctx, st, workspace)
	var te *worker.TimeoutError
	if err != nil && (errors.As(err, &te) || errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		err = fmt.Errorf("timed out after %s", st.Timeout)
	}
	m.finish(st.ID, result, err)
}

func (m *SubtaskManager) execute(ctx context.Context, st Subtask, workspace string) (string, error) {
	w, err := m.starter.StartDetached(ctx, st.ID, workspace, st.Timeout)
	if err != nil {
		return "", err
	}
	defer w.Kill()
	return w.SendMessage(ctx, st.Task)
}

func (m *SubtaskManager) finish(id, result string, err error) {
	m.mu.Lock()
	st := m.tasks[id]
	st.FinishedAt = m.now()
	if err != nil {
		st.Status = SubtaskFailed
		st.Error = err.Error()
	} else {
		st.Status = SubtaskDone
		st.Result = result
	}
	m.running--
	m.finished = append(m.finished, id)
	for len(m.finished) > m.keepFinished {
		delete(m.tasks, m.finished[0])
		m.finished = m.finished[1:]
	}
	snapshot := *st
	sinks := append([]func(Subtask){}, m.sinks...)
	m.mu.Unlock()

	fields := []zap.Field{
		zap.String("subtask", id),
		zap.String("parent", snapshot.ParentThreadID),
		zap.String("status", string(snapshot.Status)),
		zap.Duration("elapsed", snapshot.FinishedAt.Sub(snapshot.StartedAt)),
	}
	if err != nil {
		m.logger.Warn("subtask failed", append(fields, zap.Error(err))...)
	} else {
		m.logger.Info("subtask finished", append(fields, zap.Int("result_bytes", len(result)))...)
	}

	for _, sink := range sinks {
		sink(snapshot)
	}
}

// Get returns the subtask with id.
func (m *SubtaskManager) Get(id string) (Subtask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tasks[id]
	if !ok {
		return Subtask{}, false
	}
	return *st, true
}

// List returns running subtasks and the most recently finished ones, oldest
// first.
func (m *SubtaskManager) List() []Subtask {
	m.mu.Lock()
	out := make([]Subtask, 0, len(m.tasks))
	for _, st := range m.tasks {
		out = append(out, *st)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Running returns the number of subtasks still in flight.
func (m *SubtaskManager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Shutdown refuses new subtasks, cancels running ones and waits for them to
// finish or for ctx to expire.
func (m *SubtaskManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator: waiting for subtasks: %w", ctx.Err())
	}
}
