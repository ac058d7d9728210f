// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat command for overlaychat.
//
// Interactive Commands (during chat):
//   /help, /h           Show available commands
//   /clear, /c          Cancel the running turn and clear the session
//   /history            Show conversation history
//   /status, /s         Show session statistics
//   /quit, /q           Exit chat
//   Ctrl+C              Cancel current turn
//   Ctrl+D              Exit chat

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/overlaychat/internal/config"
	"github.com/jeranaias/overlaychat/internal/history"
	"github.com/jeranaias/overlaychat/internal/render"
	"github.com/jeranaias/overlaychat/internal/turn"
	"github.com/jeranaias/overlaychat/internal/util"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// lineReader reads one line of input. *liner.State implements it.
type lineReader interface {
	Prompt(prompt string) (string, error)
}

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a line editor and loads saved input history. An empty
// historyFile uses chat_history in the config directory.
func NewChatCLI(historyFile string) *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	if historyFile == "" {
		configDir, err := config.ConfigDir()
		if err != nil {
			configDir = os.TempDir()
		}
		historyFile = filepath.Join(configDir, "chat_history")
	}

	c := &ChatCLI{line: line, historyFile: historyFile}
	c.LoadHistory()
	return c
}

// LoadHistory loads command history from file.
func (c *ChatCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		_, _ = c.line.ReadHistory(f)
		f.Close()
	}
}

// Prompt reads a line and records non-empty input in the history.
func (c *ChatCLI) Prompt(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists command history with 0600 permissions.
func (c *ChatCLI) SaveHistory() {
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0700); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = c.line.WriteHistory(f)
}

// Close saves history and restores the terminal.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

// =============================================================================
// COMMAND
// =============================================================================

type chatOptions struct {
	noTools     bool
	plain       bool
	historyFile string
}

func newChatCommand(g *globalOptions) *cobra.Command {
	opts := &chatOptions{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, g, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.noTools, "no-tools", false, "hide tool-call and tool-result lines")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "never render markdown")
	cmd.Flags().StringVar(&opts.historyFile, "history-file", "", "input history file (default ~/.overlaychat/chat_history)")
	return cmd
}

func runChat(cmd *cobra.Command, g *globalOptions, opts *chatOptions) error {
	cfg, logger, err := g.load(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	popts := render.DefaultOptions(out)
	popts.ShowTools = !opts.noTools
	if opts.plain {
		popts.Markdown = false
	}
	printer := render.New(out, popts)

	app, err := NewApp(cfg, logger, printer)
	if err != nil {
		return err
	}
	defer app.Close()

	session := newChatSession(app, out, g.quiet)

	// First Ctrl+C during a turn cancels it; at the prompt liner aborts.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for range sigChan {
			if session.cancelTurn() {
				fmt.Fprintln(out, "\n"+warningStyle.Render("[Cancelled]"))
			}
		}
	}()

	input := NewChatCLI(opts.historyFile)
	defer input.Close()

	return session.loop(cmd.Context(), input)
}

// =============================================================================
// SESSION
// =============================================================================

// chatSession holds the state of one interactive chat.
type chatSession struct {
	app     *App
	out     io.Writer
	quiet   bool
	started time.Time

	mu     sync.Mutex
	cancel context.CancelFunc

	turns    int
	failures int
}

func newChatSession(app *App, out io.Writer, quiet bool) *chatSession {
	return &chatSession{app: app, out: out, quiet: quiet, started: time.Now()}
}

// loop reads lines until EOF, Ctrl+C at the prompt or /quit.
func (s *chatSession) loop(ctx context.Context, in lineReader) error {
	if !s.quiet {
		s.printWelcome()
	}

	for {
		line, err := in.Prompt(promptStyle.Render("overlay> "))
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, liner.ErrPromptAborted) {
				return err
			}
			fmt.Fprintln(s.out)
			s.printExitSummary()
			return nil
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			keepGoing, err := s.handleSlashCommand(ctx, line)
			if err != nil {
				fmt.Fprintf(s.out, "%s %v\n", errorStyle.Render("[Error]"), err)
			}
			if !keepGoing {
				s.printExitSummary()
				return nil
			}
			continue
		}

		if err := s.send(ctx, line); err != nil {
			fmt.Fprintf(s.out, "%s %v\n", errorStyle.Render("[Error]"), err)
		}
	}
}

// send runs one turn. A cancelled turn is not an error.
func (s *chatSession) send(ctx context.Context, input string) error {
	turnCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}()

	_, err := s.app.Turns.RunTurnFrom(turnCtx, history.SourceCLI, input)
	switch {
	case err == nil:
		s.turns++
		return nil
	case errors.Is(err, turn.ErrTurnCancelled):
		return nil
	default:
		s.failures++
		return err
	}
}

// cancelTurn cancels the running turn, if any.
func (s *chatSession) cancelTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	s.cancel = nil
	return true
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleSlashCommand returns false when the chat should exit.
func (s *chatSession) handleSlashCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return true, nil
	}

	switch strings.ToLower(parts[0]) {
	case "/help", "/h", "/?", "/":
		s.printHelp()
		return true, nil

	case "/clear", "/c":
		s.cancelTurn()
		s.app.Executor.ClearHistory()
		return true, s.app.Turns.Clear(ctx)

	case "/history":
		s.printHistory()
		return true, nil

	case "/status", "/s":
		s.printStatus()
		return true, nil

	case "/quit", "/q", "/exit":
		return false, nil

	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", parts[0])
	}
}

// =============================================================================
// DISPLAY
// =============================================================================

func (s *chatSession) printWelcome() {
	fmt.Fprintln(s.out, headerStyle.Render("overlaychat "+Version))
	fmt.Fprintf(s.out, "%s %s\n", infoStyle.Render("Model:"), commandStyle.Render(s.app.Config.Gateway.ChatModel))
	fmt.Fprintln(s.out, infoStyle.Render("Type your message and press Enter. Commands: /help, /quit"))
	fmt.Fprintln(s.out)
}

func (s *chatSession) printHelp() {
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, headerStyle.Render("Available Commands"))
	fmt.Fprintln(s.out, infoStyle.Render(strings.Repeat("─", 20)))

	commands := []struct {
		cmd  string
		desc string
	}{
		{"/help, /h", "Show this help"},
		{"/clear, /c", "Cancel the running turn and clear the session"},
		{"/history", "Show conversation history"},
		{"/status, /s", "Show session statistics"},
		{"/quit, /q", "Exit chat"},
	}
	for _, c := range commands {
		fmt.Fprintf(s.out, "  %s  %s\n",
			commandStyle.Render(fmt.Sprintf("%-15s", c.cmd)),
			infoStyle.Render(c.desc))
	}

	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, infoStyle.Render("Tip: Ctrl+C cancels the current turn, Ctrl+D exits"))
	fmt.Fprintln(s.out)
}

func (s *chatSession) printHistory() {
	turns := s.app.Store.FullView()
	if len(turns) == 0 {
		fmt.Fprintln(s.out, infoStyle.Render("[No conversation history]"))
		return
	}

	for _, t := range turns {
		label := commandStyle.Render("[you]")
		if t.Role == history.RoleAssistant {
			label = successStyle.Render("[assistant]")
		}
		line := fmt.Sprintf("%s %s", label, util.TruncateWidth(strings.Join(strings.Fields(t.Content), " "), 70))
		if t.Metadata != nil && len(t.Metadata.Tools) > 0 {
			mods := make([]string, 0, len(t.Metadata.Tools))
			for _, r := range t.Metadata.Tools {
				mods = append(mods, string(r.Modality))
			}
			line += " " + infoStyle.Render("("+strings.Join(mods, ", ")+")")
		}
		fmt.Fprintln(s.out, line)
	}
}

func (s *chatSession) printStatus() {
	stats := s.app.Executor.Stats()
	fmt.Fprintln(s.out, headerStyle.Render("Session"))
	fmt.Fprintf(s.out, "  %-18s %s\n", "Model:", s.app.Gateway.GetModel())
	fmt.Fprintf(s.out, "  %-18s %s\n", "API key:", s.app.Gateway.APIKeyMasked())
	fmt.Fprintf(s.out, "  %-18s %d\n", "Turns completed:", s.turns)
	fmt.Fprintf(s.out, "  %-18s %d\n", "Turns failed:", s.failures)
	fmt.Fprintf(s.out, "  %-18s %d/%d\n", "History:", s.app.Store.Count(), s.app.Store.MaxItems())
	fmt.Fprintf(s.out, "  %-18s %d\n", "Tool executions:", stats.TotalExecutions)
	fmt.Fprintf(s.out, "  %-18s %d\n", "Tool failures:", stats.Failed)
	fmt.Fprintf(s.out, "  %-18s %s\n", "Elapsed:", time.Since(s.started).Round(time.Second))
}

func (s *chatSession) printExitSummary() {
	if s.quiet {
		return
	}
	fmt.Fprintf(s.out, "%s %d turns in %s\n",
		infoStyle.Render("Session ended:"),
		s.turns,
		time.Since(s.started).Round(time.Second))
}
