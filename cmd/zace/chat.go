package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
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

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive session; tasks share one session id and approval memory",
		Args:  cobra.NoArgs,
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	ws, err := os.Getwd()
	if err != nil {
		return err
	}
	cfg, err := config.Load(ws)
	if err != nil {
		return err
	}

	// In chat mode slog output would interleave with the prompt, so it goes
	// to a debug log instead.
	if f := openDebugLog(ws); f != nil {
		defer f.Close()
		slog.SetDefault(slog.New(slog.NewTextHandler(f, nil)))
	}

	rl, err := readline.New("zace> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID := uuid.NewString()
	sessionsDir := filepath.Join(ws, ".zace", "sessions")
	j := journal.Open(sessionsDir, sessionID)
	defer j.Close()

	indexDir := filepath.Join(ws, ".zace", "index")
	ix, err := session.OpenIndex(indexDir, sessionID)
	if err != nil {
		slog.Warn("[cli] session index unavailable", "error", err)
	}
	defer ix.Close()

	client := llm.New()
	exec := tools.NewDispatcher(ws, indexDir, sessionID, ix)
	store := approval.OpenStore(cfg.ApprovalRulesPath, ws)
	classifier := approval.NewClassifier(llm.NewTier("SAFETY"), ws)
	intent := llm.NewTier("APPROVAL")
	prompter := &readlinePrompter{rl: rl}

	resumeOpenApprovals(ctx, cfg, sessionsDir, store, classifier, intent, prompter)

	fmt.Println("zace chat (type 'exit' to quit)")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		}
		if err == io.EOF {
			break
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		runID := uuid.NewString()
		mgr := approval.NewManager(cfg, store, classifier, j, intent, prompter, sessionID, runID)
		disp := events.NewDispatcher(ui.NewTerminal(os.Stdout, termWidth()))
		loop := agent.NewLoop(agent.Options{
			Config:    cfg,
			Client:    client,
			Executor:  exec,
			Journal:   j,
			Approvals: mgr,
			Events:    disp,
			SessionID: sessionID,
			RunID:     runID,
		})
		res := loop.Run(ctx, input)
		disp.Close()
		fmt.Println(res.Message)

		if ctx.Err() != nil {
			break
		}
	}
	return nil
}

// resumeOpenApprovals scans prior session journals for approval requests
// that were left open, asks the user about each one that has not aged out,
// and records the verdict in the originating session's journal. Allow-always
// replies persist a rule, so re-running the interrupted task will not prompt
// again.
func resumeOpenApprovals(ctx context.Context, cfg config.Config, sessionsDir string, store *approval.Store, classifier *approval.Classifier, intent llm.ChatClient, prompter approval.Prompter) {
	files, err := os.ReadDir(sessionsDir)
	if err != nil {
		return
	}
	now := time.Now()
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
			continue
		}
		entries, err := journal.ReadEntries(filepath.Join(sessionsDir, f.Name()))
		if err != nil {
			slog.Warn("[cli] could not read session journal", "file", f.Name(), "error", err)
			continue
		}
		for _, p := range approval.OpenPending(entries, now, cfg.PendingActionMaxAge) {
			fmt.Printf("A previous run is waiting on an approval (session %s).\n", p.SessionID)
			reply, err := prompter.Ask(p.Prompt)
			if err != nil {
				return
			}
			pj := journal.Open(sessionsDir, p.SessionID)
			mgr := approval.NewManager(cfg, store, classifier, pj, intent, prompter, p.SessionID, p.RunID)
			dec, reason, _ := mgr.Resolve(ctx, p, reply)
			pj.Close()
			fmt.Printf("→ %s: %s\n", dec, reason)
		}
	}
}

// readlinePrompter asks approval questions through the chat's readline
// instance so line editing and interrupts behave like the main prompt.
type readlinePrompter struct {
	rl *readline.Instance
}

func (p *readlinePrompter) Ask(prompt string) (string, error) {
	fmt.Println(prompt)
	p.rl.SetPrompt("approve> ")
	defer p.rl.SetPrompt("zace> ")
	line, err := p.rl.Readline()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func openDebugLog(ws string) *os.File {
	dir := filepath.Join(ws, ".zace")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, "debug.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	return f
}
