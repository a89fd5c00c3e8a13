// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat command.
//
// USABILITY: Line editing and history for a better CLI experience
//
// Examples:
//   chatlink chat
//   chatlink chat --model large
//
// Interactive commands:
//   /help, /h           Show available commands
//   /model [name]       Show or switch model
//   /system <prompt>    Set the system prompt
//   /clear, /c          Clear the conversation
//   /quit, /q           Exit
//   Ctrl+C              Cancel the reply being streamed
//   Ctrl+D              Exit
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/peterh/liner"

	"github.com/jeranaias/chatlink/internal/config"
	"github.com/jeranaias/chatlink/internal/model"
	"github.com/jeranaias/chatlink/internal/stream"
	"github.com/jeranaias/chatlink/internal/transport"
)

// =============================================================================
// INPUT
// =============================================================================

// lineReader reads one line of user input per call.
type lineReader interface {
	Prompt(prompt string) (string, error)
	Close() error
}

// linerReader provides history and line editing on a terminal.
type linerReader struct {
	line        *liner.State
	historyFile string
}

func newLinerReader() *linerReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	r := &linerReader{line: line, historyFile: filepath.Join(dir, "chat_history")}

	if f, err := os.Open(r.historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	return r
}

func (r *linerReader) Prompt(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history with owner-only permissions and restores the terminal.
func (r *linerReader) Close() error {
	if err := os.MkdirAll(filepath.Dir(r.historyFile), 0700); err == nil {
		if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			r.line.WriteHistory(f)
			f.Close()
		}
	}
	return r.line.Close()
}

// scanReader reads piped input; the prompt goes to w.
type scanReader struct {
	scanner *bufio.Scanner
	w       io.Writer
}

func (r *scanReader) Prompt(prompt string) (string, error) {
	fmt.Fprint(r.w, prompt)
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

func (r *scanReader) Close() error { return nil }

// =============================================================================
// SESSION STATE
// =============================================================================

// chatSession holds the state of one interactive chat.
type chatSession struct {
	env        *Env
	transcript *model.Transcript

	mu          sync.Mutex
	client      *stream.Client
	modelPinned bool               // set by --model or /model; reloads keep it
	cancel      context.CancelFunc // cancels the reply being streamed
}

func newChatSession(env *Env, modelName string) *chatSession {
	if modelName == "" {
		modelName = env.Config.Stream.DefaultModel
	}
	return &chatSession{
		env:         env,
		transcript:  model.NewTranscript(modelName),
		client:      env.streamClient(env.Config),
		modelPinned: modelName != env.Config.Stream.DefaultModel,
	}
}

// reload swaps in a new client after the config file changed.
func (s *chatSession) reload(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.client = s.env.streamClient(cfg)
	if !s.modelPinned {
		s.transcript.SetModel(cfg.Stream.DefaultModel)
	}
	s.env.Logger.Debug("chat client reloaded")
}

func (s *chatSession) streamClient() *stream.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// interrupt cancels the current reply. It reports whether one was running.
func (s *chatSession) interrupt() bool {
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
// CHAT HANDLER
// =============================================================================

// HandleChat runs the interactive chat loop.
func HandleChat(ctx context.Context, env *Env, raw []string) error {
	p := NewArgParser(raw)
	if err := env.requireConfig(); err != nil {
		return err
	}

	session := newChatSession(env, p.FlagOrDefault("model", p.Flag("m")))

	var input lineReader
	if env.Stdin == os.Stdin && IsTTY() {
		input = newLinerReader()
	} else {
		input = &scanReader{scanner: bufio.NewScanner(env.Stdin), w: env.Stderr}
	}
	defer input.Close()

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	if _, err := os.Stat(env.ConfigPath); err == nil {
		if err := config.Watch(ctx, env.ConfigPath, session.reload); err != nil {
			env.Logger.Warn("config reload disabled", "err", err)
		}
	}

	// First Ctrl+C cancels the current reply; at the prompt liner aborts.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigChan:
				if session.interrupt() {
					fmt.Fprintln(env.Stderr, "\n"+WarningStyle.Render("[Cancelled]"))
				}
			}
		}
	}()

	fmt.Fprintf(env.Stderr, "%s %s\n", TitleStyle.Render("chatlink chat"),
		DimStyle.Render("model: "+displayModel(session.transcript.Model())+"  /help for commands"))

	for {
		line, err := input.Prompt(PromptStyle.Render("you> "))
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(env.Stderr)
				printExitSummary(session)
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if !handleSlashCommand(session, line) {
				printExitSummary(session)
				return nil
			}
			continue
		}

		if err := processMessage(ctx, session, line); err != nil {
			DisplayError(env.Stderr, err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// =============================================================================
// MESSAGE PROCESSING
// =============================================================================

// processMessage sends one user message and streams the reply. A cancelled
// reply keeps its partial text in the transcript and is not an error.
func processMessage(ctx context.Context, s *chatSession, text string) error {
	t := s.transcript
	if _, err := t.AddUserMessage(text); err != nil {
		return err
	}
	messages := t.ToStreamMessages()
	if _, err := t.BeginAssistant(); err != nil {
		return err
	}

	replyCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}()

	out := s.env.Stdout
	err := s.streamClient().Stream(replyCtx, messages, t.Model(), func(tok string) {
		t.AppendToken(tok)
		io.WriteString(out, tok)
	})
	fmt.Fprintln(out)

	if err != nil {
		t.FailAssistant(err)
		if errors.Is(err, transport.ErrCancelled) {
			return nil
		}
		return err
	}

	msg, err := t.FinalizeAssistant()
	if err != nil {
		return err
	}
	if stats := msg.FormatStats(); stats != "" {
		fmt.Fprintln(s.env.Stderr, DimStyle.Render(stats))
	}
	return nil
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleSlashCommand runs one /command. It returns false to end the chat.
func handleSlashCommand(s *chatSession, line string) bool {
	fields := strings.Fields(line)
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	w := s.env.Stderr

	switch cmd {
	case "/quit", "/q", "/exit":
		return false

	case "/help", "/h":
		fmt.Fprintln(w, "  /model [name]     show or switch model")
		fmt.Fprintln(w, "  /system <prompt>  set the system prompt")
		fmt.Fprintln(w, "  /clear            clear the conversation")
		fmt.Fprintln(w, "  /quit             exit")

	case "/model", "/m":
		if len(args) == 0 {
			fmt.Fprintf(w, "%s %s\n", RenderLabel("Model"), displayModel(s.transcript.Model()))
			break
		}
		s.mu.Lock()
		s.modelPinned = true
		s.mu.Unlock()
		s.transcript.SetModel(args[0])
		fmt.Fprintf(w, "%s switched to %s\n", SuccessStyle.Render("[OK]"), args[0])

	case "/system":
		s.transcript.SetSystemPrompt(strings.Join(args, " "))
		fmt.Fprintf(w, "%s system prompt set\n", SuccessStyle.Render("[OK]"))

	case "/clear", "/c":
		if err := s.transcript.Clear(); err != nil {
			DisplayError(w, err)
			break
		}
		fmt.Fprintf(w, "%s conversation cleared\n", SuccessStyle.Render("[OK]"))

	default:
		fmt.Fprintf(w, "%s unknown command %s (try /help)\n", WarningStyle.Render("[?]"), cmd)
	}
	return true
}

func displayModel(name string) string {
	if name == "" {
		return "(server default)"
	}
	return name
}

func printExitSummary(s *chatSession) {
	var exchanges, tokens int
	for _, msg := range s.transcript.Messages() {
		if msg.Role == model.RoleAssistant {
			exchanges++
			tokens += msg.TokenCount
		}
	}
	fmt.Fprintln(s.env.Stderr, DimStyle.Render(fmt.Sprintf("%d replies, %d tokens", exchanges, tokens)))
}
