package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CommandKind enumerates the control commands.
type CommandKind int

const (
	CmdUnknown CommandKind = iota
	CmdStatus
	CmdThreads
	CmdKill
	CmdCleanup
	CmdDelete
	CmdSpawn
	CmdSubtasks
	CmdHelp
)

var commandNames = map[string]CommandKind{
	"status":   CmdStatus,
	"threads":  CmdThreads,
	"kill":     CmdKill,
	"cleanup":  CmdCleanup,
	"delete":   CmdDelete,
	"spawn":    CmdSpawn,
	"subtasks": CmdSubtasks,
	"help":     CmdHelp,
}

func (k CommandKind) String() string {
	for name, kind := range commandNames {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

// Command is a parsed control command.
type Command struct {
	Kind CommandKind
	// Name is the command word as typed, lowercased.
	Name string
	Args []string
	// Rest is the raw text after the command word with surrounding
	// whitespace trimmed. /spawn uses it so task text keeps its layout.
	Rest string
}

// ParseCommand reports whether text is a command and parses it. The check
// is purely syntactic: text is a command iff it starts with prefix.
func ParseCommand(prefix, text string) (Command, bool) {
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return Command{}, false
	}
	body := text[len(prefix):]
	trimmed := strings.TrimLeft(body, " \t")
	end := strings.IndexAny(trimmed, " \t\r\n")
	word, rest := trimmed, ""
	if end >= 0 {
		word, rest = trimmed[:end], trimmed[end:]
	}
	name := strings.ToLower(word)

	cmd := Command{
		Kind: commandNames[name],
		Name: name,
		Args: strings.Fields(rest),
		Rest: strings.TrimSpace(rest),
	}
	return cmd, true
}

// UsageError is a malformed command. It is rendered as text, never
// propagated to the caller.
type UsageError struct {
	Usage string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("usage: %s", e.Usage)
}

const helpText = "Commands:\n" +
	"  {p}status            live workers, stored threads and running subtasks\n" +
	"  {p}threads           list stored thread ids\n" +
	"  {p}kill <thread_id>  kill the worker for a thread\n" +
	"  {p}cleanup           kill every live worker\n" +
	"  {p}delete <thread_id>  kill the worker and delete the stored thread\n" +
	"  {p}spawn <task>      run a background subtask for this thread\n" +
	"  {p}subtasks          list subtasks\n" +
	"  {p}help              show this message\n" +
	"Anything else is sent to this thread's worker."

// execute runs a control command. Commands never take the thread lock, so
// /kill can interrupt a turn that is still waiting on its worker.
func (o *Orchestrator) execute(ctx context.Context, threadID string, cmd Command) string {
	o.logger.Debug("command", zap.String("thread", threadID), zap.String("command", cmd.Name))

	switch cmd.Kind {
	case CmdStatus:
		return o.cmdStatus(ctx)
	case CmdThreads:
		return o.cmdThreads(ctx)
	case CmdKill:
		if len(cmd.Args) != 1 {
			return (&UsageError{Usage: o.prefix + "kill <thread_id>"}).Error()
		}
		if o.KillWorker(cmd.Args[0]) {
			return fmt.Sprintf("Killed worker for thread `%s`.", cmd.Args[0])
		}
		return fmt.Sprintf("No live worker found for thread `%s`.", cmd.Args[0])
	case CmdCleanup:
		n, err := o.Cleanup()
		if err != nil {
			return fmt.Sprintf("Cleanup finished with errors: %v", err)
		}
		return fmt.Sprintf("Killed %d worker(s).", n)
	case CmdDelete:
		if len(cmd.Args) != 1 {
			return (&UsageError{Usage: o.prefix + "delete <thread_id>"}).Error()
		}
		existed, err := o.DeleteThread(ctx, cmd.Args[0])
		if err != nil {
			return fmt.Sprintf("Error: %v", err)
		}
		if !existed {
			return fmt.Sprintf("Thread `%s` not found.", cmd.Args[0])
		}
		return fmt.Sprintf("Deleted thread `%s`.", cmd.Args[0])
	case CmdSpawn:
		if cmd.Rest == "" {
			return (&UsageError{Usage: o.prefix + "spawn <task>"}).Error()
		}
		return o.SpawnSubtask(threadID, cmd.Rest, 0)
	case CmdSubtasks:
		return o.cmdSubtasks()
	case CmdHelp:
		return strings.ReplaceAll(helpText, "{p}", o.prefix)
	case CmdUnknown:
		return fmt.Sprintf("Unknown command %q. Try %shelp.", o.prefix+cmd.Name, o.prefix)
	default:
		return fmt.Sprintf("Unknown command %q. Try %shelp.", o.prefix+cmd.Name, o.prefix)
	}
}

func (o *Orchestrator) cmdStatus(ctx context.Context) string {
	st, err := o.Status(ctx)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Live workers: %d\n", len(st.Workers))
	fmt.Fprintf(&b, "Stored threads: %d\n", st.StoredThreads)
	fmt.Fprintf(&b, "Running subtasks: %d", st.RunningSubtasks)
	for _, w := range st.Workers {
		fmt.Fprintf(&b, "\n  %s  pid %d  up %s", w.ThreadID, w.Pid, time.Since(w.StartedAt).Truncate(time.Second))
	}
	return b.String()
}

func (o *Orchestrator) cmdThreads(ctx context.Context) string {
	ids, err := o.ListThreads(ctx)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	if len(ids) == 0 {
		return "No stored threads."
	}
	return fmt.Sprintf("Stored threads (%d):\n%s", len(ids), strings.Join(ids, "\n"))
}

func (o *Orchestrator) cmdSubtasks() string {
	tasks := o.subtasks.List()
	if len(tasks) == 0 {
		return "No subtasks."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Subtasks (%d):", len(tasks))
	for _, st := range tasks {
		fmt.Fprintf(&b, "\n  %s  %s  %s", st.ID, st.Status, truncate(st.Task, 60))
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
