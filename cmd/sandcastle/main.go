package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kehao95/sandcastle/internal/config"
	"github.com/kehao95/sandcastle/internal/notify"
	"github.com/kehao95/sandcastle/internal/tape"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var message string
	var envFile string

	root := &cobra.Command{
		Use:   "sandcastle",
		Short: "sandcastle: build and preview web apps with a model driving a remote sandbox",
		Long: "Opens a conversation with a model that writes files and runs commands in a Docker sandbox " +
			"and keeps a live preview server running. Configuration comes from SANDCASTLE_* environment variables and .env.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotenv(envFiles(envFile)...); err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "sandcastle: %v\n", err)
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			con := stdConsole()
			a, err := wireApp(ctx, cfg, con)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "sandcastle: %v\n", err)
				return err
			}
			defer func() {
				// The root context may already be cancelled; shutdown gets its own.
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				a.close(shutdownCtx)
			}()

			if message != "" {
				err := a.rt.Converse(ctx, message)
				con.Finish()
				if err != nil && !errors.Is(err, context.Canceled) {
					con.Notify(notify.Error, err.Error())
					return err
				}
				return nil
			}
			return repl(ctx, a, cmd.InOrStdin())
		},
	}

	root.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	root.Flags().StringVar(&envFile, "env-file", "", "dotenv file to load (default .env)")

	root.AddCommand(newVersionCmd(), newTranscriptCmd())
	return root
}

func envFiles(f string) []string {
	if f == "" {
		return nil
	}
	return []string{f}
}

// repl reads messages until exit, quit, EOF or cancellation.
func repl(ctx context.Context, a *app, in io.Reader) error {
	con := a.console
	con.Notify(notify.Info, fmt.Sprintf("model %s; type exit to quit, /model <id> to switch models", a.rt.Model()))

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		con.Prompt()
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		cmd, arg := parseCommand(line)
		switch cmd {
		case "":
			continue
		case "exit":
			return nil
		case "model":
			if arg == "" {
				con.Notify(notify.Info, "current model: "+a.rt.Model())
				continue
			}
			a.rt.SetModel(arg)
			con.Notify(notify.Info, "switched to "+arg)
			continue
		}

		if err := a.rt.Converse(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			con.Notify(notify.Error, err.Error())
		}
	}
}

// parseCommand recognises REPL commands. Anything else is a message and
// yields cmd "message".
func parseCommand(line string) (cmd, arg string) {
	switch {
	case line == "":
		return "", ""
	case line == "exit" || line == "quit":
		return "exit", ""
	case line == "/model" || strings.HasPrefix(line, "/model "):
		return "model", strings.TrimSpace(strings.TrimPrefix(line, "/model"))
	}
	return "message", line
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

func newTranscriptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transcript <file.jsonl>",
		Short: "Print a recorded session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := tape.ReadTranscriptFile(args[0])
			if err != nil {
				return err
			}
			return printTranscript(cmd.OutOrStdout(), tr)
		},
	}
}

func printTranscript(w io.Writer, tr *tape.Transcript) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "session %s (model %s, %s)\n", tr.SessionID, tr.ModelID, time.UnixMilli(tr.CreatedAt).Format(time.RFC3339))
	for _, turn := range tr.Turns {
		for _, b := range turn.Blocks {
			switch b.Type {
			case tape.BlockText:
				if b.Text != "" {
					fmt.Fprintf(bw, "%s: %s\n", turn.Role, b.Text)
				}
			case tape.BlockToolUse:
				fmt.Fprintf(bw, "%s: [tool %s %s] %s\n", turn.Role, b.Name, b.ID, toolSummary(b.Input))
			case tape.BlockToolResult:
				status := "ok"
				if b.IsError {
					status = "error"
				}
				first, _, _ := strings.Cut(b.Content, "\n")
				fmt.Fprintf(bw, "%s: [result %s %s] %s\n", turn.Role, b.ToolUseID, status, first)
			}
		}
	}
	for _, n := range tr.Notices {
		fmt.Fprintf(bw, "notice [%s] %s\n", n.Level, n.Message)
	}
	return bw.Flush()
}
