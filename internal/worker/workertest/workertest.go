// Package workertest provides an in-process worker.Spawner for tests. Each
// fake process speaks the real line protocol over pipes, so code under test
// exercises the same framing as with a real agent.
package workertest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/roundhouse/internal/worker"
)

// Handler answers one request for threadID. killed is closed when the
// process is killed, so handlers can simulate a hang by waiting on it.
type Handler func(threadID, text string, killed <-chan struct{}) string

// Echo replies with "echo: " plus the request text.
func Echo(_, text string, _ <-chan struct{}) string { return "echo: " + text }

// Hang never replies until the process is killed.
func Hang(_, _ string, killed <-chan struct{}) string {
	<-killed
	return ""
}

// Reply always answers with s.
func Reply(s string) Handler {
	return func(string, string, <-chan struct{}) string { return s }
}

// Spawner launches fake processes. The zero value echoes.
type Spawner struct {
	Handler  Handler
	StartErr error
	Delay    time.Duration

	mu    sync.Mutex
	specs []worker.SpawnSpec
	procs []*Process
}

// Spawn implements worker.Spawner.
func (s *Spawner) Spawn(ctx context.Context, spec worker.SpawnSpec) (worker.Process, error) {
	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	handler := s.Handler
	if handler == nil {
		handler = Echo
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := newProcess(len(s.procs)+1, envValue(spec.Env, "ROUNDHOUSE_THREAD_ID"), handler)
	s.specs = append(s.specs, spec)
	s.procs = append(s.procs, p)
	return p, nil
}

// Count returns how many processes have been spawned.
func (s *Spawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Specs returns every launch request seen so far.
func (s *Spawner) Specs() []worker.SpawnSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]worker.SpawnSpec(nil), s.specs...)
}

// Processes returns every process spawned so far.
func (s *Spawner) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}

// Alive counts processes that have not exited.
func (s *Spawner) Alive() int {
	n := 0
	for _, p := range s.Processes() {
		select {
		case <-p.done:
		default:
			n++
		}
	}
	return n
}

func envValue(env []string, key string) string {
	for i := len(env) - 1; i >= 0; i-- {
		if v, ok := strings.CutPrefix(env[i], key+"="); ok {
			return v
		}
	}
	return ""
}

// Process is a fake worker process.
type Process struct {
	ThreadID string

	pid    int
	stdin  *io.PipeWriter
	recv   chan string
	done   chan struct{}
	killed chan struct{}

	mu       sync.Mutex
	killOnce sync.Once
}

func newProcess(pid int, threadID string, handler Handler) *Process {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	p := &Process{
		ThreadID: threadID,
		pid:      pid,
		stdin:    stdinW,
		recv:     make(chan string, 64),
		done:     make(chan struct{}),
		killed:   make(chan struct{}),
	}
	served := make(chan struct{})
	go func() {
		defer close(served)
		worker.Serve(stdinR, stdoutW, worker.DefaultDelimiter, func(text string) string {
			return handler(threadID, text, p.killed)
		})
		stdoutW.Close()
	}()
	go func() {
		scanner := bufio.NewScanner(stdoutR)
		for scanner.Scan() {
			// Output produced after a kill is never delivered.
			select {
			case <-p.killed:
				continue
			default:
			}
			select {
			case p.recv <- scanner.Text():
			case <-p.killed:
			}
		}
		close(p.recv)
		<-served
		close(p.done)
	}()
	return p
}

func (p *Process) Send(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.killed:
		return errors.New("workertest: write on killed process")
	default:
	}
	_, err := io.WriteString(p.stdin, line+"\n")
	return err
}

func (p *Process) Recv() <-chan string   { return p.recv }
func (p *Process) Done() <-chan struct{} { return p.done }
func (p *Process) Pid() int              { return p.pid }

func (p *Process) Kill() error {
	p.killOnce.Do(func() {
		close(p.killed)
		p.stdin.Close()
	})
	<-p.done
	return nil
}

// Exit simulates the process terminating on its own.
func (p *Process) Exit() { p.Kill() }

// Exited reports whether the process has terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
