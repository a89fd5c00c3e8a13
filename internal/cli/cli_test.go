// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatlink/internal/config"
	"github.com/jeranaias/chatlink/internal/jobs"
	"github.com/jeranaias/chatlink/internal/logging"
	"github.com/jeranaias/chatlink/internal/testutil"
	"github.com/jeranaias/chatlink/internal/transport"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// syncBuffer is a bytes.Buffer safe for the channel reader goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newTestEnv builds an Env pointed at backend (nil for commands that make
// no requests), with a config path in a temp dir.
func newTestEnv(t *testing.T, b *testutil.Backend) (*Env, *syncBuffer, *syncBuffer) {
	t.Helper()
	cfg := config.Default()
	if b != nil {
		cfg.Server.BaseURL = b.URL()
	}
	cfg.Jobs.PollIntervalMs = 10

	stdout, stderr := &syncBuffer{}, &syncBuffer{}
	env := &Env{
		Config:     cfg,
		ConfigPath: filepath.Join(t.TempDir(), "config.toml"),
		Stdin:      strings.NewReader(""),
		Stdout:     stdout,
		Stderr:     stderr,
		Logger:     logging.Discard(),
	}
	return env, stdout, stderr
}

func decodeResponse(t *testing.T, out string, data any) JSONResponse {
	t.Helper()
	resp := JSONResponse{Data: data}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp
}

// =============================================================================
// ARG PARSER TESTS (args.go)
// =============================================================================

func TestArgParser_BasicParsing(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		bools    []string
		validate func(*testing.T, *ArgParser)
	}{
		{
			name: "flag with value",
			args: []string{"hello", "--model", "large"},
			validate: func(t *testing.T, p *ArgParser) {
				assert.Equal(t, "large", p.Flag("model"))
				assert.Equal(t, "hello", p.Positional(0))
			},
		},
		{
			name: "flag with equals",
			args: []string{"--model=large", "hello"},
			validate: func(t *testing.T, p *ArgParser) {
				assert.Equal(t, "large", p.Flag("model"))
				assert.Equal(t, 1, p.PositionalCount())
			},
		},
		{
			name:  "boolean flag does not consume the next word",
			args:  []string{"--markdown", "why", "not"},
			bools: []string{"markdown"},
			validate: func(t *testing.T, p *ArgParser) {
				assert.True(t, p.BoolFlag("markdown"))
				assert.Equal(t, "why not", p.JoinFrom(0))
			},
		},
		{
			name:  "boolean flag with explicit false",
			args:  []string{"--stats=false"},
			bools: []string{"stats"},
			validate: func(t *testing.T, p *ArgParser) {
				assert.False(t, p.BoolFlag("stats"))
				assert.True(t, p.HasFlag("stats"))
			},
		},
		{
			name: "negative number is a value",
			args: []string{"conv-1", "--cursor", "-1"},
			validate: func(t *testing.T, p *ArgParser) {
				v, ok, err := p.FlagInt64("cursor")
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, int64(-1), v)
			},
		},
		{
			name: "double dash ends flags",
			args: []string{"--model", "m", "--", "--not-a-flag", "text"},
			validate: func(t *testing.T, p *ArgParser) {
				assert.Equal(t, []string{"--not-a-flag", "text"}, p.PositionalFrom(0))
				assert.False(t, p.HasFlag("not-a-flag"))
			},
		},
		{
			name: "trailing flag without value",
			args: []string{"conv-1", "--cursor"},
			validate: func(t *testing.T, p *ArgParser) {
				_, ok, err := p.FlagInt64("cursor")
				assert.NoError(t, err)
				assert.False(t, ok)
				assert.True(t, p.HasFlag("cursor"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.validate(t, NewArgParser(tt.args, tt.bools...))
		})
	}
}

func TestArgParser_FlagInt64Invalid(t *testing.T) {
	p := NewArgParser([]string{"--cursor", "abc"})
	_, ok, err := p.FlagInt64("cursor")
	assert.True(t, ok)
	assert.Error(t, err)
}

// =============================================================================
// GLOBAL ARGUMENT TESTS (cli.go)
// =============================================================================

func TestParseArgs(t *testing.T) {
	tests := []struct {
		raw      []string
		wantCmd  Command
		wantRaw  []string
		validate func(*testing.T, Args)
	}{
		{raw: nil, wantCmd: CmdHelp},
		{raw: []string{"ask", "hi", "--model", "m"}, wantCmd: CmdAsk, wantRaw: []string{"hi", "--model", "m"}},
		{
			raw:     []string{"--json", "--config", "/tmp/c.toml", "-v", "events", "conv"},
			wantCmd: CmdEvents,
			wantRaw: []string{"conv"},
			validate: func(t *testing.T, a Args) {
				assert.True(t, a.JSON)
				assert.True(t, a.Verbose)
				assert.Equal(t, "/tmp/c.toml", a.ConfigPath)
			},
		},
		{raw: []string{"bogus"}, wantCmd: CmdHelp, wantRaw: []string{"bogus"}},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.raw, " "), func(t *testing.T) {
			cmd, args := ParseArgs(tt.raw)
			assert.Equal(t, tt.wantCmd, cmd)
			if tt.wantRaw != nil {
				assert.Equal(t, tt.wantRaw, args.Raw)
			}
			if tt.validate != nil {
				tt.validate(t, args)
			}
		})
	}
}

func TestRun_UnknownCommandIsUsageError(t *testing.T) {
	env, stdout, _ := newTestEnv(t, nil)
	err := Run(context.Background(), env, CmdHelp, Args{Raw: []string{"bogus"}})
	assert.Equal(t, ExitUsageError, ExitCode(err))
	assert.Contains(t, stdout.String(), "Usage")
}

// =============================================================================
// EXIT CODE TESTS (errors.go)
// =============================================================================

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"usage", usageError("x", "bad"), ExitUsageError},
		{"config", fmt.Errorf("invalid config: %w", config.ValidateErrors{{Field: "f", Message: "m"}}), ExitConfigError},
		{"cancelled", transport.Cancelled(context.Background(), "stream"), ExitCancelled},
		{"max wait", fmt.Errorf("jobs: %w", jobs.ErrMaxWait), ExitTimeout},
		{"job failed", &jobs.JobError{JobID: "j", Message: "nsfw"}, ExitJobFailed},
		{"unauthorized", &transport.Error{Op: "stream", Kind: transport.KindStatus, Status: http.StatusUnauthorized}, ExitAuthError},
		{"not found", &transport.Error{Op: "jobs.status", Kind: transport.KindStatus, Status: http.StatusNotFound}, ExitNotFound},
		{"network", &transport.Error{Op: "stream", Kind: transport.KindNetwork, Err: errors.New("refused")}, ExitNetworkError},
		{"other", errors.New("boom"), ExitGeneralError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestDisplayError_Hint(t *testing.T) {
	var buf bytes.Buffer
	DisplayError(&buf, &transport.Error{Op: "stream", Kind: transport.KindNetwork, Err: errors.New("refused")})
	assert.Contains(t, buf.String(), "refused")
	assert.Contains(t, buf.String(), "base_url")
}

// =============================================================================
// ASK TESTS (ask.go)
// =============================================================================

func TestHandleAsk_StreamsToStdout(t *testing.T) {
	b := testutil.NewBackend(t)
	b.SetStream("data: Hel", "lo\n\n", "data:  there\n\n")
	env, stdout, _ := newTestEnv(t, b)

	err := HandleAsk(context.Background(), env, []string{"--model", "large", "say", "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hello there\n", stdout.String())

	reqs := b.StreamRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "large", reqs[0].Model)
	require.Len(t, reqs[0].Messages, 1)
	assert.Equal(t, "say hi", reqs[0].Messages[0].Content)
}

func TestHandleAsk_JSON(t *testing.T) {
	b := testutil.NewBackend(t)
	b.SetStream("data: a\n\n", "data: b\n\n")
	env, stdout, _ := newTestEnv(t, b)
	env.JSON = true

	require.NoError(t, HandleAsk(context.Background(), env, []string{"q"}))

	var data AskData
	resp := decodeResponse(t, stdout.String(), &data)
	assert.True(t, resp.Success)
	assert.Equal(t, "ask", resp.Command)
	assert.Equal(t, "ab", data.Content)
	assert.Equal(t, 2, data.Tokens)
}

func TestHandleAsk_StatusError(t *testing.T) {
	b := testutil.NewBackend(t)
	b.SetStreamStatus(http.StatusUnauthorized, `{"detail":"bad key"}`)
	env, _, _ := newTestEnv(t, b)

	err := HandleAsk(context.Background(), env, []string{"q"})
	require.Error(t, err)
	assert.Equal(t, ExitAuthError, ExitCode(err))
}

func TestHandleAsk_RequiresQuestion(t *testing.T) {
	env, _, _ := newTestEnv(t, nil)
	err := HandleAsk(context.Background(), env, []string{"--stats"})
	assert.Equal(t, ExitUsageError, ExitCode(err))
}

func TestHandleAsk_ConfigErrorReported(t *testing.T) {
	env, _, _ := newTestEnv(t, nil)
	env.ConfigErr = fmt.Errorf("invalid config: %w", config.ValidateErrors{{Field: "server.base_url", Message: "bad"}})
	err := HandleAsk(context.Background(), env, []string{"q"})
	assert.Equal(t, ExitConfigError, ExitCode(err))
}

// =============================================================================
// CHAT TESTS (chat.go)
// =============================================================================

func TestHandleChat_ConversationAndCommands(t *testing.T) {
	b := testutil.NewBackend(t)
	b.SetStream("data: Hi\n\n")
	env, stdout, stderr := newTestEnv(t, b)
	env.Stdin = strings.NewReader("hello\n/model large\nagain\n/quit\n")

	require.NoError(t, HandleChat(context.Background(), env, nil))

	assert.Equal(t, "Hi\nHi\n", stdout.String())
	assert.Contains(t, stderr.String(), "switched to large")
	assert.Contains(t, stderr.String(), "2 replies")

	reqs := b.StreamRequests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "large", reqs[1].Model)

	var roles, contents []string
	for _, m := range reqs[1].Messages {
		roles = append(roles, m.Role)
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"user", "assistant", "user"}, roles)
	assert.Equal(t, []string{"hello", "Hi", "again"}, contents)
}

func TestHandleChat_ClearAndSystemPrompt(t *testing.T) {
	b := testutil.NewBackend(t)
	b.SetStream("data: ok\n\n")
	env, _, _ := newTestEnv(t, b)
	env.Stdin = strings.NewReader("one\n/clear\n/system be brief\ntwo\n")

	require.NoError(t, HandleChat(context.Background(), env, nil))

	reqs := b.StreamRequests()
	require.Len(t, reqs, 2)
	msgs := reqs[1].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "be brief", msgs[0].Content)
	assert.Equal(t, "two", msgs[1].Content)
}

func TestHandleChat_StreamErrorKeepsSession(t *testing.T) {
	b := testutil.NewBackend(t)
	b.SetStreamStatus(http.StatusInternalServerError, "down")
	env, _, stderr := newTestEnv(t, b)
	env.Stdin = strings.NewReader("one\ntwo\n")

	require.NoError(t, HandleChat(context.Background(), env, nil))
	assert.Len(t, b.StreamRequests(), 2)
	assert.Contains(t, stderr.String(), "[ERROR]")
}

func TestChatSession_ReloadRespectsPinnedModel(t *testing.T) {
	env, _, _ := newTestEnv(t, nil)
	env.Config.Stream.DefaultModel = "small"

	followsConfig := newChatSession(env, "")
	pinned := newChatSession(env, "custom")

	next := env.Config.Clone()
	next.Stream.DefaultModel = "large"
	followsConfig.reload(next)
	pinned.reload(next)

	assert.Equal(t, "large", followsConfig.transcript.Model())
	assert.Equal(t, "custom", pinned.transcript.Model())
}

func TestChatSession_InterruptWithoutReply(t *testing.T) {
	env, _, _ := newTestEnv(t, nil)
	s := newChatSession(env, "")
	assert.False(t, s.interrupt())
}

// =============================================================================
// JOB TESTS (jobs_cmd.go)
// =============================================================================

func TestHandleGenerate_WaitsForResult(t *testing.T) {
	b := testutil.NewBackend(t)
	b.ScriptNextJob(
		testutil.JobStep{Status: "PENDING"},
		testutil.JobStep{Status: "RUNNING"},
		testutil.JobStep{Status: "COMPLETED", ResultPath: "/media/out.png"},
	)
	env, stdout, _ := newTestEnv(t, b)

	require.NoError(t, HandleGenerate(context.Background(), env, "image", []string{"a", "lighthouse"}))

	subs := b.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "a lighthouse", subs[0].Prompt)
	assert.Equal(t, 3, b.Polls(subs[0].JobID))
	assert.Contains(t, stdout.String(), "/media/out.png")
}

func TestHandleGenerate_JobFailedJSON(t *testing.T) {
	b := testutil.NewBackend(t)
	b.ScriptNextJob(testutil.JobStep{Status: "FAILED", Error: "content rejected"})
	env, stdout, _ := newTestEnv(t, b)
	env.JSON = true

	err := HandleGenerate(context.Background(), env, "video", []string{"waves"})
	require.Error(t, err)
	assert.Equal(t, ExitJobFailed, ExitCode(err))

	var data JobData
	decodeResponse(t, stdout.String(), &data)
	assert.Equal(t, "FAILED", data.Status)
	assert.Equal(t, "content rejected", data.Error)
}

func TestHandleGenerate_NoWait(t *testing.T) {
	b := testutil.NewBackend(t)
	env, stdout, _ := newTestEnv(t, b)

	require.NoError(t, HandleGenerate(context.Background(), env, "image", []string{"--no-wait", "cat"}))
	subs := b.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, subs[0].JobID+"\n", stdout.String())
	assert.Zero(t, b.Polls(subs[0].JobID))
}

func TestHandleGenerate_SubmitFailure(t *testing.T) {
	b := testutil.NewBackend(t)
	b.SetSubmitFailure(http.StatusForbidden, `{"detail":"quota"}`)
	env, _, _ := newTestEnv(t, b)

	err := HandleGenerate(context.Background(), env, "image", []string{"cat"})
	assert.Equal(t, ExitAuthError, ExitCode(err))
}

func TestHandleJob_Status(t *testing.T) {
	b := testutil.NewBackend(t)
	b.ScriptJob("image-job-7", testutil.JobStep{Status: "RUNNING"})
	env, stdout, _ := newTestEnv(t, b)
	env.JSON = true

	require.NoError(t, HandleJob(context.Background(), env, []string{"status", "image-job-7"}))
	var data JobData
	decodeResponse(t, stdout.String(), &data)
	assert.Equal(t, "image-job-7", data.ID)
	assert.Equal(t, "RUNNING", data.Status)
}

func TestHandleJob_UnknownJob(t *testing.T) {
	b := testutil.NewBackend(t)
	env, _, _ := newTestEnv(t, b)

	err := HandleJob(context.Background(), env, []string{"status", "nope"})
	assert.Equal(t, ExitNotFound, ExitCode(err))
}

func TestHandleJob_Usage(t *testing.T) {
	env, _, _ := newTestEnv(t, nil)
	assert.Equal(t, ExitUsageError, ExitCode(HandleJob(context.Background(), env, []string{"status"})))
	assert.Equal(t, ExitUsageError, ExitCode(HandleJob(context.Background(), env, []string{"frob", "id"})))
}

// =============================================================================
// EVENTS TESTS (events_cmd.go)
// =============================================================================

func TestHandleEvents_InputAndQuit(t *testing.T) {
	b := testutil.NewBackend(t)
	b.AddEvent("conv-1", "message", "hello from server")
	env, stdout, _ := newTestEnv(t, b)

	stdinR, stdinW := io.Pipe()
	t.Cleanup(func() { stdinW.Close() })
	env.Stdin = stdinR

	done := make(chan error, 1)
	go func() { done <- HandleEvents(context.Background(), env, []string{"conv-1"}) }()

	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "hello from server")
	}, 2*time.Second, 10*time.Millisecond)

	_, err := io.WriteString(stdinW, "hi there\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(b.Commands("conv-1")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cmd := b.Commands("conv-1")[0]
	assert.Equal(t, "hi there", cmd["content"])
	assert.Equal(t, "user", cmd["role"])

	_, err = io.WriteString(stdinW, "/quit\n")
	require.NoError(t, err)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("events did not stop on /quit")
	}
}

func TestHandleEvents_SwitchConversation(t *testing.T) {
	b := testutil.NewBackend(t)
	b.AddEvent("conv-b", "message", "from b")
	env, stdout, _ := newTestEnv(t, b)

	stdinR, stdinW := io.Pipe()
	t.Cleanup(func() { stdinW.Close() })
	env.Stdin = stdinR

	done := make(chan error, 1)
	go func() { done <- HandleEvents(context.Background(), env, []string{"conv-a"}) }()

	require.Eventually(t, func() bool { return b.Connections("conv-a") == 1 }, 2*time.Second, 10*time.Millisecond)
	io.WriteString(stdinW, "/switch conv-b\n")

	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "from b")
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return b.Connections("conv-a") == 0 }, 2*time.Second, 10*time.Millisecond)

	io.WriteString(stdinW, "/q\n")
	require.NoError(t, <-done)
}

func TestHandleEvents_NoInputJSONFromCursor(t *testing.T) {
	b := testutil.NewBackend(t)
	for i := 0; i < 3; i++ {
		b.AddEvent("conv-2", "message", fmt.Sprintf("event %d", i))
	}
	env, stdout, _ := newTestEnv(t, b)
	env.JSON = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- HandleEvents(ctx, env, []string{"conv-2", "--cursor", "0", "--no-input"}) }()

	require.Eventually(t, func() bool {
		return strings.Count(stdout.String(), "\n") == 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 2)
	var first EventData
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NotNil(t, first.ID)
	assert.Equal(t, int64(1), *first.ID)
	assert.Equal(t, "conv-2", first.ConversationID)

	dials := b.Dials()
	require.NotEmpty(t, dials)
	assert.Equal(t, int64(0), dials[0].Cursor)
}

func TestHandleEvents_CursorValidation(t *testing.T) {
	env, _, _ := newTestEnv(t, nil)
	for _, args := range [][]string{
		{"conv", "--cursor", "-2"},
		{"conv", "--cursor", "abc"},
		{"conv", "--cursor"},
		{},
	} {
		err := HandleEvents(context.Background(), env, args)
		assert.Equal(t, ExitUsageError, ExitCode(err), "args %v", args)
	}
}

func TestEventPreview(t *testing.T) {
	tests := []struct {
		payload string
		width   int
		want    string
	}{
		{`"hello\nworld"`, 40, "hello world"},
		{`{"a":1}`, 40, `{"a":1}`},
		{`"abcdefghijklmnop"`, 10, "abcdefg..."},
		{`"short"`, 2, "short"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, eventPreview(json.RawMessage(tt.payload), tt.width), "payload %s", tt.payload)
	}
}

// =============================================================================
// CONFIG TESTS (config_cmd.go)
// =============================================================================

func TestHandleConfig_InitPathGetSet(t *testing.T) {
	env, stdout, _ := newTestEnv(t, nil)

	require.NoError(t, HandleConfig(env, []string{"init"}))
	_, err := os.Stat(env.ConfigPath)
	require.NoError(t, err)

	// A second init needs --force.
	assert.Error(t, HandleConfig(env, []string{"init"}))
	assert.NoError(t, HandleConfig(env, []string{"init", "--force"}))

	stdout.mu.Lock()
	stdout.buf.Reset()
	stdout.mu.Unlock()
	require.NoError(t, HandleConfig(env, []string{"path"}))
	assert.Equal(t, env.ConfigPath+"\n", stdout.String())

	require.NoError(t, HandleConfig(env, []string{"set", "jobs.poll_interval_ms", "250"}))
	cfg, err := config.LoadFile(env.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.Jobs.PollIntervalMs)

	err = HandleConfig(env, []string{"set", "jobs.backoff", "random"})
	assert.Equal(t, ExitConfigError, ExitCode(err))

	err = HandleConfig(env, []string{"set", "no.such_key", "1"})
	assert.Equal(t, ExitUsageError, ExitCode(err))
}

func TestHandleConfig_SecretsMasked(t *testing.T) {
	env, stdout, _ := newTestEnv(t, nil)
	env.Config.Server.APIKey = "sk-very-secret"

	require.NoError(t, HandleConfig(env, []string{"show"}))
	require.NoError(t, HandleConfig(env, []string{"get", "server.api_key"}))
	require.NoError(t, HandleConfig(env, []string{"set", "server.api_key", "sk-new-secret"}))

	out := stdout.String()
	assert.NotContains(t, out, "sk-very-secret")
	assert.NotContains(t, out, "sk-new-secret")
	assert.Contains(t, out, "sha256:")
	assert.Contains(t, out, "[jobs]")
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "(not set)", maskAPIKey(""))
	assert.Equal(t, maskAPIKey("abc"), maskAPIKey("abc"))
	assert.NotEqual(t, maskAPIKey("abc"), maskAPIKey("abd"))
	assert.Equal(t, "1", maskIfSecret("jobs.max_attempts", "1"))
}
