package worker_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/worker"
	"github.com/zulandar/roundhouse/internal/worker/workertest"
)

func testConfig() worker.Config {
	return worker.Config{
		Command:     []string{"agent"},
		Provider:    "anthropic",
		Model:       "m1",
		Credentials: "secret",
		Timeout:     2 * time.Second,
		KillGrace:   time.Second,
	}
}

func startFake(t *testing.T, sp *workertest.Spawner, cfg worker.Config) *worker.Worker {
	t.Helper()
	w, err := worker.Start(context.Background(), sp, "t1", cfg, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { w.Kill() })
	return w
}

func lastSpec(sp *workertest.Spawner) worker.SpawnSpec {
	specs := sp.Specs()
	return specs[len(specs)-1]
}

func TestWorker_SendMessage(t *testing.T) {
	sp := &workertest.Spawner{}
	w := startFake(t, sp, testConfig())

	reply, err := w.SendMessage(context.Background(), "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply != "echo: hello" {
		t.Errorf("reply = %q, want %q", reply, "echo: hello")
	}
	if !w.IsAlive() {
		t.Error("worker died after a successful round trip")
	}

	// A second request reuses the same process.
	reply, err = w.SendMessage(context.Background(), "again")
	if err != nil {
		t.Fatalf("SendMessage again: %v", err)
	}
	if reply != "echo: again" {
		t.Errorf("reply = %q, want %q", reply, "echo: again")
	}
	if sp.Count() != 1 {
		t.Errorf("spawned %d processes, want 1", sp.Count())
	}
}

func TestWorker_MultilineMessageAndReply(t *testing.T) {
	sp := &workertest.Spawner{Handler: func(_, text string, _ <-chan struct{}) string {
		return "lines=" + string(rune('0'+strings.Count(text, "\n")+1)) + "\nsecond line\n\nafter blank"
	}}
	w := startFake(t, sp, testConfig())

	reply, err := w.SendMessage(context.Background(), "a\nb\nc")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	want := "lines=3\nsecond line\n\nafter blank"
	if reply != want {
		t.Errorf("reply = %q, want %q", reply, want)
	}
}

func TestWorker_StartPassesConfiguration(t *testing.T) {
	sp := &workertest.Spawner{}
	cfg := testConfig()
	cfg.Workspace = "/tmp/ws/t1"
	cfg.Env = map[string]string{"EXTRA": "1"}
	w := startFake(t, sp, cfg)

	spec := lastSpec(sp)
	if spec.Dir != "/tmp/ws/t1" {
		t.Errorf("Dir = %q, want /tmp/ws/t1", spec.Dir)
	}
	if spec.KillGrace != time.Second {
		t.Errorf("KillGrace = %v, want 1s", spec.KillGrace)
	}
	env := strings.Join(spec.Env, "\n")
	for _, kv := range []string{
		"ROUNDHOUSE_THREAD_ID=t1",
		"ROUNDHOUSE_PROVIDER=anthropic",
		"ROUNDHOUSE_MODEL=m1",
		"ROUNDHOUSE_CREDENTIALS=secret",
		"ROUNDHOUSE_WORKSPACE=/tmp/ws/t1",
		"EXTRA=1",
	} {
		if !strings.Contains(env, kv) {
			t.Errorf("env missing %s", kv)
		}
	}
	if w.ID == "" || w.ThreadID != "t1" || w.StartedAt.IsZero() {
		t.Errorf("worker = %+v", w)
	}
	if w.Config().Delimiter != worker.DefaultDelimiter {
		t.Errorf("Delimiter = %q, want default", w.Config().Delimiter)
	}
}

func TestWorker_StartErrorIsProcessStartError(t *testing.T) {
	sp := &workertest.Spawner{StartErr: errors.New("exec: no such file")}
	_, err := worker.Start(context.Background(), sp, "t1", testConfig(), nil)
	var pse *worker.ProcessStartError
	if !errors.As(err, &pse) {
		t.Fatalf("err = %v, want *ProcessStartError", err)
	}
	if pse.ThreadID != "t1" {
		t.Errorf("ThreadID = %q, want t1", pse.ThreadID)
	}
}

func TestWorker_TimeoutKillsProcess(t *testing.T) {
	sp := &workertest.Spawner{Handler: workertest.Hang}
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	w := startFake(t, sp, cfg)

	start := time.Now()
	_, err := w.SendMessage(context.Background(), "hang")
	var te *worker.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if te.Timeout != 50*time.Millisecond {
		t.Errorf("Timeout = %v, want 50ms", te.Timeout)
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout took %v", time.Since(start))
	}
	if w.IsAlive() {
		t.Error("IsAlive() = true after timeout, want false")
	}

	_, err = w.SendMessage(context.Background(), "again")
	var we *worker.WorkerError
	if !errors.As(err, &we) || !errors.Is(err, worker.ErrWorkerDead) {
		t.Errorf("reuse after timeout err = %v, want WorkerError(ErrWorkerDead)", err)
	}
}

func TestWorker_ExitBeforeDelimiterIsWorkerError(t *testing.T) {
	sp := &workertest.Spawner{Handler: workertest.Hang}
	w := startFake(t, sp, testConfig())

	go func() {
		time.Sleep(20 * time.Millisecond)
		sp.Processes()[0].Exit()
	}()

	_, err := w.SendMessage(context.Background(), "x")
	var we *worker.WorkerError
	if !errors.As(err, &we) {
		t.Fatalf("err = %v, want *WorkerError", err)
	}
	if w.IsAlive() {
		t.Error("IsAlive() = true after process exit")
	}
}

func TestWorker_ContextCancelKillsWorker(t *testing.T) {
	sp := &workertest.Spawner{Handler: workertest.Hang}
	w := startFake(t, sp, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := w.SendMessage(ctx, "x")
	var we *worker.WorkerError
	if !errors.As(err, &we) {
		t.Fatalf("err = %v, want *WorkerError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want to wrap DeadlineExceeded", err)
	}
	if w.IsAlive() {
		t.Error("IsAlive() = true after cancellation")
	}
}

func TestWorker_KillIdempotent(t *testing.T) {
	sp := &workertest.Spawner{}
	w := startFake(t, sp, testConfig())

	if err := w.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if err := w.Kill(); err != nil {
		t.Fatalf("second Kill: %v", err)
	}
	if w.IsAlive() {
		t.Error("IsAlive() = true after Kill")
	}
}

func TestWorker_KillInterruptsInFlightRequest(t *testing.T) {
	sp := &workertest.Spawner{Handler: workertest.Hang}
	w := startFake(t, sp, testConfig())

	errCh := make(chan error, 1)
	go func() {
		_, err := w.SendMessage(context.Background(), "x")
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	w.Kill()

	select {
	case err := <-errCh:
		var we *worker.WorkerError
		if !errors.As(err, &we) {
			t.Errorf("err = %v, want *WorkerError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight request did not observe the kill")
	}
}

func TestWorker_RoundTripsSerialized(t *testing.T) {
	var mu sync.Mutex
	inside, maxInside := 0, 0
	sp := &workertest.Spawner{Handler: func(_, text string, _ <-chan struct{}) string {
		mu.Lock()
		inside++
		if inside > maxInside {
			maxInside = inside
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		inside--
		mu.Unlock()
		return "r:" + text
	}}
	w := startFake(t, sp, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := string(rune('a' + i))
			reply, err := w.SendMessage(context.Background(), text)
			if err != nil {
				t.Errorf("SendMessage: %v", err)
				return
			}
			if reply != "r:"+text {
				t.Errorf("reply = %q, want %q (replies crossed)", reply, "r:"+text)
			}
		}(i)
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("max concurrent requests at process = %d, want 1", maxInside)
	}
}

func TestConfigFrom(t *testing.T) {
	wc := config.WorkerConfig{
		Command:        []string{"agent", "--stdio"},
		Provider:       "p",
		Model:          "m",
		Credentials:    "c",
		TimeoutSec:     30,
		KillGraceSec:   2,
		ReplyDelimiter: "##",
		Env:            map[string]string{"A": "1"},
	}
	cfg := worker.ConfigFrom(wc)
	if cfg.Timeout != 30*time.Second || cfg.KillGrace != 2*time.Second {
		t.Errorf("durations = %v/%v", cfg.Timeout, cfg.KillGrace)
	}
	if cfg.Delimiter != "##" || cfg.Provider != "p" || cfg.Model != "m" || cfg.Credentials != "c" {
		t.Errorf("cfg = %+v", cfg)
	}
	wc.Command[0] = "mutated"
	wc.Env["A"] = "2"
	if cfg.Command[0] != "agent" || cfg.Env["A"] != "1" {
		t.Error("ConfigFrom shares slices or maps with the source")
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&worker.ProcessStartError{ThreadID: "t1", Err: errors.New("boom")}, `worker: start "t1": boom`},
		{&worker.TimeoutError{ThreadID: "t1", Timeout: time.Second}, `worker: "t1": no reply within 1s, process killed`},
		{&worker.WorkerError{ThreadID: "t1", Op: "recv", Err: worker.ErrProcessExited}, `worker: recv "t1": process exited before reply delimiter`},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
