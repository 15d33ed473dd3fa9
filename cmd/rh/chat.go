package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/orchestrator"
	"golang.org/x/term"
)

// localOriginID is the origin chat id recorded for threads created from the
// terminal.
const localOriginID = 0

func newChatCmd(flags *globalFlags) *cobra.Command {
	var threadID string

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to a thread from the terminal",
		Long: "Sends messages to a thread's worker without any chat platform. With a message " +
			"argument, sends it, prints the reply and exits. Without one, reads messages line by " +
			"line from stdin until EOF or \"exit\". Control commands such as /status work as in chat.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, cmd, flags, threadID, args)
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "local", "thread id to talk to")
	return cmd
}

func runChat(ctx context.Context, cmd *cobra.Command, flags *globalFlags, threadID string, args []string) error {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if len(args) > 0 {
		fmt.Fprintln(out, a.orch.HandleMessage(ctx, localOriginID, threadID, strings.Join(args, " ")))
		return nil
	}
	return chatLoop(ctx, a.orch, cmd.InOrStdin(), out, threadID, isInteractive(cmd.InOrStdin()))
}

// chatLoop reads one message per line and prints each reply. Prompts are
// only shown when stdin is a terminal.
func chatLoop(ctx context.Context, orch *orchestrator.Orchestrator, in io.Reader, out io.Writer, threadID string, interactive bool) error {
	if interactive {
		fmt.Fprintf(out, "Roundhouse %s, thread %q. Type \"exit\" or press Ctrl+D to quit.\n", Version, threadID)
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		if interactive {
			fmt.Fprint(out, "you> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		reply := orch.HandleMessage(ctx, localOriginID, threadID, line)
		if interactive {
			fmt.Fprintf(out, "rh> %s\n", reply)
		} else {
			fmt.Fprintln(out, reply)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	if interactive {
		fmt.Fprintln(out)
	}
	return scanner.Err()
}

// isInteractive reports whether r is a terminal.
func isInteractive(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
