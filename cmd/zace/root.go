package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zacedev/zace/internal/agent"
	"github.com/zacedev/zace/internal/approval"
	"github.com/zacedev/zace/internal/config"
	"github.com/zacedev/zace/internal/events"
	"github.com/zacedev/zace/internal/journal"
	"github.com/zacedev/zace/internal/llm"
	"github.com/zacedev/zace/internal/session"
	"github.com/zacedev/zace/internal/tools"
	"github.com/zacedev/zace/internal/ui"
)

// errRunFailed signals a non-success final state; main maps it to exit
// code 1 without printing (the result message is already on screen).
var errRunFailed = errors.New("run did not complete successfully")

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "zace [task...]",
		Short: "Autonomous coding agent for the current workspace",
		Long: `zace runs a plan-execute-analyze loop against the current directory.
Pass a task for a one-shot run, or use "zace chat" for an interactive
session. Runtime state lives under .zace/ in the workspace root.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOnce(ctx, strings.Join(args, " "))
		},
	}
	root.AddCommand(newChatCmd())
	return root
}

// runOnce executes a single task in a fresh session and returns errRunFailed
// when the final state is anything but completed.
func runOnce(ctx context.Context, task string) error {
	ws, err := os.Getwd()
	if err != nil {
		return err
	}
	cfg, err := config.Load(ws)
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	runID := uuid.NewString()

	j := journal.Open(filepath.Join(ws, ".zace", "sessions"), sessionID)
	defer j.Close()

	indexDir := filepath.Join(ws, ".zace", "index")
	ix, err := session.OpenIndex(indexDir, sessionID)
	if err != nil {
		slog.Warn("[cli] session index unavailable", "error", err)
	}
	defer ix.Close()

	store := approval.OpenStore(cfg.ApprovalRulesPath, ws)
	classifier := approval.NewClassifier(llm.NewTier("SAFETY"), ws)
	prompter := &stdinPrompter{in: bufio.NewReader(os.Stdin)}
	mgr := approval.NewManager(cfg, store, classifier, j, llm.NewTier("APPROVAL"), prompter, sessionID, runID)

	disp := events.NewDispatcher(ui.NewTerminal(os.Stdout, termWidth()))
	defer disp.Close()

	loop := agent.NewLoop(agent.Options{
		Config:    cfg,
		Client:    llm.New(),
		Executor:  tools.NewDispatcher(ws, indexDir, sessionID, ix),
		Journal:   j,
		Approvals: mgr,
		Events:    disp,
		SessionID: sessionID,
		RunID:     runID,
	})
	res := loop.Run(ctx, task)

	fmt.Println(res.Message)
	if !res.Success {
		return errRunFailed
	}
	return nil
}

// stdinPrompter reads approval replies line-by-line from standard input.
type stdinPrompter struct {
	in *bufio.Reader
}

func (p *stdinPrompter) Ask(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := p.in.ReadString('\n')
	line = strings.TrimSpace(line)
	if err != nil && line == "" {
		return "", err
	}
	return line, nil
}

// termWidth reads COLUMNS when exported; 0 lets the terminal observer pick
// its default.
func termWidth() int {
	if v := os.Getenv("COLUMNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
