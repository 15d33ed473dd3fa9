package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

const defaultKillGrace = 10 * time.Second

// Spawner abstracts process creation for testability.
type Spawner interface {
	// Spawn launches a process. ctx bounds the launch only; the process
	// lives until Kill or until it exits on its own.
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// SpawnSpec describes one process launch.
type SpawnSpec struct {
	Command   []string
	Dir       string
	Env       []string // full environment, KEY=value
	KillGrace time.Duration
}

// Process is a running worker process with line-oriented I/O.
type Process interface {
	// Send writes one line (a newline is appended) to the process stdin.
	Send(line string) error
	// Recv delivers stdout lines; it is closed when stdout ends.
	Recv() <-chan string
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Kill terminates the process, escalating to SIGKILL after the grace
	// period. It blocks until the process is gone and is safe to repeat.
	Kill() error
	Pid() int
}

// ExecSpawner launches worker processes with os/exec. Each process gets its
// own process group so termination reaches any children it started.
type ExecSpawner struct {
	Logger *zap.Logger
}

// Spawn starts the command in spec.Dir, creating the directory if needed.
func (s *ExecSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(spec.Command) == 0 || spec.Command[0] == "" {
		return nil, fmt.Errorf("worker: command is required")
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	grace := spec.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}
	if spec.Dir != "" {
		if err := os.MkdirAll(spec.Dir, 0755); err != nil {
			return nil, fmt.Errorf("worker: create workspace: %w", err)
		}
	}

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(procCtx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	// Use a process group so SIGTERM kills the entire tree (shell + children).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("worker: stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("worker: stdout pipe: %w", err)
	}
	stderr := &zapio.Writer{Log: logger.With(zap.String("stream", "stderr")), Level: zap.DebugLevel}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("worker: start %s: %w", spec.Command[0], err)
	}

	proc := &execProcess{
		cmd:    cmd,
		cancel: cancel,
		stdin:  stdinPipe,
		grace:  grace,
		recvCh: make(chan string, 64),
		doneCh: make(chan struct{}),
		stopCh: make(chan struct{}),
	}
	pid := cmd.Process.Pid
	logger.Debug("worker process started", zap.Int("pid", pid), zap.Strings("command", spec.Command))

	// Read stdout lines, then wait for process exit.
	go func() {
		scanner := bufio.NewScanner(stdoutPipe)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
		for scanner.Scan() {
			select {
			case proc.recvCh <- scanner.Text():
			case <-proc.stopCh:
			}
		}
		close(proc.recvCh)
		waitErr := cmd.Wait()
		stderr.Close()
		logger.Debug("worker process exited", zap.Int("pid", pid), zap.Error(waitErr))
		close(proc.doneCh)
	}()

	return proc, nil
}

// execProcess implements Process for an os/exec child.
type execProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	grace  time.Duration

	mu     sync.Mutex
	closed bool
	recvCh chan string
	doneCh chan struct{}
	stopCh chan struct{}
}

func (p *execProcess) Send(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrWorkerDead
	}
	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

func (p *execProcess) Recv() <-chan string { return p.recvCh }

func (p *execProcess) Done() <-chan struct{} { return p.doneCh }

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

// Kill sends SIGTERM to the process group via context cancellation, then
// SIGKILL if the group has not exited within the grace period.
func (p *execProcess) Kill() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.stopCh)
		p.stdin.Close()
		p.cancel()
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.doneCh:
		return nil
	case <-timer.C:
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("worker: kill process group %d: %w", p.cmd.Process.Pid, err)
	}
	<-p.doneCh
	return nil
}
