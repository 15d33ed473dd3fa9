package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zulandar/roundhouse/internal/keylock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool maps thread ids to their single live Worker. Creation for a given
// thread is serialized by a per-thread lock; the map itself is guarded by a
// short mutex that is never held across process I/O.
type Pool struct {
	spawner  Spawner
	defaults Config
	logger   *zap.Logger

	locks keylock.Locker

	mu      sync.Mutex
	workers map[string]*Worker
	closed  bool
}

// PoolOpts holds parameters for creating a Pool.
type PoolOpts struct {
	Spawner  Spawner
	Defaults Config
	Logger   *zap.Logger
}

// Info is a point-in-time view of one tracked worker.
type Info struct {
	ThreadID  string    `json:"thread_id"`
	WorkerID  string    `json:"worker_id"`
	Pid       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Alive     bool      `json:"alive"`
}

// NewPool creates a Pool.
func NewPool(opts PoolOpts) (*Pool, error) {
	if opts.Spawner == nil {
		return nil, fmt.Errorf("worker: pool: spawner is required")
	}
	if len(opts.Defaults.Command) == 0 {
		return nil, fmt.Errorf("worker: pool: command is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		spawner:  opts.Spawner,
		defaults: opts.Defaults,
		logger:   logger,
		workers:  make(map[string]*Worker),
	}, nil
}

// Defaults returns the launch settings new workers inherit.
func (p *Pool) Defaults() Config { return p.defaults }

// GetOrCreate returns the live worker for threadID, starting one in
// workspace if there is none or the tracked one has died. Concurrent calls
// for the same thread start at most one process.
func (p *Pool) GetOrCreate(ctx context.Context, threadID, workspace string) (*Worker, error) {
	unlock, err := p.locks.Lock(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("worker: wait for thread %q: %w", threadID, err)
	}
	defer unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	existing := p.workers[threadID]
	if existing != nil && existing.IsAlive() {
		p.mu.Unlock()
		return existing, nil
	}
	delete(p.workers, threadID)
	p.mu.Unlock()

	if existing != nil {
		p.logger.Info("discarding dead worker", zap.String("thread", threadID), zap.String("worker", existing.ID))
		existing.Kill()
	}

	cfg := p.defaults
	cfg.Workspace = workspace
	w, err := Start(ctx, p.spawner, threadID, cfg, p.logger)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		w.Kill()
		return nil, ErrPoolClosed
	}
	p.workers[threadID] = w
	p.mu.Unlock()
	return w, nil
}

// StartDetached launches a worker that the pool does not track. The caller
// owns its lifecycle. A positive timeout replaces the default round trip
// budget.
func (p *Pool) StartDetached(ctx context.Context, id, workspace string, timeout time.Duration) (*Worker, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}
	cfg := p.defaults
	cfg.Workspace = workspace
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	return Start(ctx, p.spawner, id, cfg, p.logger)
}

// KillThread kills and removes the worker for threadID. It reports whether
// a live worker was killed.
func (p *Pool) KillThread(threadID string) bool {
	p.mu.Lock()
	w := p.workers[threadID]
	delete(p.workers, threadID)
	p.mu.Unlock()

	if w == nil {
		return false
	}
	alive := w.IsAlive()
	if err := w.Kill(); err != nil {
		p.logger.Warn("kill worker", zap.String("thread", threadID), zap.Error(err))
	}
	return alive
}

// Cleanup kills and removes every tracked worker.
func (p *Pool) Cleanup() error {
	p.mu.Lock()
	workers := p.workers
	p.workers = make(map[string]*Worker)
	p.mu.Unlock()

	var g errgroup.Group
	for _, w := range workers {
		g.Go(w.Kill)
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker: cleanup: %w", err)
	}
	if len(workers) > 0 {
		p.logger.Info("workers cleaned up", zap.Int("count", len(workers)))
	}
	return nil
}

// ListActive returns the sorted thread ids with a live worker. Dead entries
// found along the way are removed.
func (p *Pool) ListActive() []string {
	dead := p.reap()
	for _, w := range dead {
		w.Kill()
	}

	p.mu.Lock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Snapshot describes every tracked worker, sorted by thread id.
func (p *Pool) Snapshot() []Info {
	p.mu.Lock()
	infos := make([]Info, 0, len(p.workers))
	for id, w := range p.workers {
		infos = append(infos, Info{
			ThreadID:  id,
			WorkerID:  w.ID,
			Pid:       w.Pid(),
			StartedAt: w.StartedAt,
			Alive:     w.IsAlive(),
		})
	}
	p.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ThreadID < infos[j].ThreadID })
	return infos
}

// Shutdown refuses new workers and kills all tracked ones.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.Cleanup()
}

func (p *Pool) reap() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	var dead []*Worker
	for id, w := range p.workers {
		if !w.IsAlive() {
			delete(p.workers, id)
			dead = append(dead, w)
		}
	}
	return dead
}
