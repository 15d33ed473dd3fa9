// Package worker manages the long-lived agent processes that serve
// conversation threads, one process per thread.
package worker

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/roundhouse/internal/config"
	"go.uber.org/zap"
)

// Config is the launch snapshot for a worker. It is captured when the
// process starts and never changes for that process.
type Config struct {
	Command     []string
	Provider    string
	Model       string
	Credentials string
	Workspace   string
	Timeout     time.Duration
	KillGrace   time.Duration
	Delimiter   string
	Env         map[string]string
}

// ConfigFrom converts the YAML worker settings into a launch Config. The
// workspace is filled in per thread by the pool.
func ConfigFrom(wc config.WorkerConfig) Config {
	env := make(map[string]string, len(wc.Env))
	for k, v := range wc.Env {
		env[k] = v
	}
	return Config{
		Command:     append([]string(nil), wc.Command...),
		Provider:    wc.Provider,
		Model:       wc.Model,
		Credentials: wc.Credentials,
		Timeout:     wc.Timeout(),
		KillGrace:   wc.KillGrace(),
		Delimiter:   wc.ReplyDelimiter,
		Env:         env,
	}
}

// environ builds the process environment for threadID.
func (c Config) environ(threadID string) []string {
	env := append(os.Environ(),
		"ROUNDHOUSE_THREAD_ID="+threadID,
		"ROUNDHOUSE_PROVIDER="+c.Provider,
		"ROUNDHOUSE_MODEL="+c.Model,
		"ROUNDHOUSE_CREDENTIALS="+c.Credentials,
		"ROUNDHOUSE_WORKSPACE="+c.Workspace,
	)
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// Worker owns one process bound to one thread. Round trips are serialized.
type Worker struct {
	ID        string
	ThreadID  string
	StartedAt time.Time

	cfg    Config
	proc   Process
	logger *zap.Logger

	mu       sync.Mutex
	killed   atomic.Bool
	killOnce sync.Once
	killErr  error
}

// Start launches a worker process for threadID.
func Start(ctx context.Context, spawner Spawner, threadID string, cfg Config, logger *zap.Logger) (*Worker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Delimiter == "" {
		cfg.Delimiter = DefaultDelimiter
	}
	id := uuid.NewString()
	logger = logger.With(zap.String("thread", threadID), zap.String("worker", id))

	proc, err := spawner.Spawn(ctx, SpawnSpec{
		Command:   cfg.Command,
		Dir:       cfg.Workspace,
		Env:       cfg.environ(threadID),
		KillGrace: cfg.KillGrace,
	})
	if err != nil {
		return nil, &ProcessStartError{ThreadID: threadID, Err: err}
	}

	w := &Worker{
		ID:        id,
		ThreadID:  threadID,
		StartedAt: time.Now(),
		cfg:       cfg,
		proc:      proc,
		logger:    logger,
	}
	logger.Info("worker started", zap.Int("pid", proc.Pid()), zap.String("workspace", cfg.Workspace))
	return w, nil
}

// Config returns the launch snapshot.
func (w *Worker) Config() Config { return w.cfg }

// Pid returns the OS process id.
func (w *Worker) Pid() int { return w.proc.Pid() }

// SendMessage performs one request/response round trip. On timeout the
// process is killed and a *TimeoutError returned; any transport failure or
// cancellation of ctx kills the process and returns a *WorkerError.
func (w *Worker) SendMessage(ctx context.Context, text string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.IsAlive() {
		return "", &WorkerError{ThreadID: w.ThreadID, Op: "send", Err: ErrWorkerDead}
	}

	recv := w.proc.Recv()
	// Drop output left over from before this request.
drain:
	for {
		select {
		case _, ok := <-recv:
			if !ok {
				w.Kill()
				return "", &WorkerError{ThreadID: w.ThreadID, Op: "send", Err: ErrWorkerDead}
			}
		default:
			break drain
		}
	}

	if err := w.proc.Send(EncodeRequest(text)); err != nil {
		w.Kill()
		return "", &WorkerError{ThreadID: w.ThreadID, Op: "send", Err: err}
	}

	var timeout <-chan time.Time
	if w.cfg.Timeout > 0 {
		timer := time.NewTimer(w.cfg.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var lines []string
	for {
		select {
		case line, ok := <-recv:
			if !ok {
				w.Kill()
				return "", &WorkerError{ThreadID: w.ThreadID, Op: "recv", Err: ErrProcessExited}
			}
			if line == w.cfg.Delimiter {
				return strings.Join(lines, "\n"), nil
			}
			lines = append(lines, line)
		case <-timeout:
			w.logger.Warn("worker round trip timed out", zap.Duration("timeout", w.cfg.Timeout))
			w.Kill()
			return "", &TimeoutError{ThreadID: w.ThreadID, Timeout: w.cfg.Timeout}
		case <-ctx.Done():
			// A partial reply would desync the next request.
			w.Kill()
			return "", &WorkerError{ThreadID: w.ThreadID, Op: "recv", Err: ctx.Err()}
		}
	}
}

// IsAlive reports whether the process is still running. It never blocks.
func (w *Worker) IsAlive() bool {
	if w.killed.Load() {
		return false
	}
	select {
	case <-w.proc.Done():
		return false
	default:
		return true
	}
}

// Kill terminates the process, escalating after the grace period. Repeated
// calls return the first result.
func (w *Worker) Kill() error {
	w.killOnce.Do(func() {
		w.killed.Store(true)
		w.killErr = w.proc.Kill()
		w.logger.Info("worker killed")
	})
	return w.killErr
}
