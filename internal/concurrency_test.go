// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Race detection tests for the chatlink client.
//
// Run with: go test -race -v ./internal/...
//
// These tests drive the shared clients from many goroutines the way a chat
// front end does: replies streaming while jobs poll and events arrive.
package internal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeranaias/chatlink/internal/channel"
	"github.com/jeranaias/chatlink/internal/config"
	"github.com/jeranaias/chatlink/internal/jobs"
	"github.com/jeranaias/chatlink/internal/model"
	"github.com/jeranaias/chatlink/internal/stream"
	"github.com/jeranaias/chatlink/internal/testutil"
)

// =============================================================================
// TEST CONFIGURATION
// =============================================================================

const (
	// Number of concurrent goroutines for race tests
	raceConcurrency = 20
	// Number of iterations per goroutine
	raceIterations = 5
	// Timeout for race tests
	raceTimeout = 30 * time.Second
)

// =============================================================================
// STREAM CONCURRENCY TESTS
// =============================================================================

// TestConcurrency_StreamsShareClient runs many exchanges on one client;
// each must see only its own tokens.
func TestConcurrency_StreamsShareClient(t *testing.T) {
	b := testutil.NewBackend(t)
	b.SetStream("data: a\n\n", "data: b\n\n", "data: c\n\n")
	c := newClients(testConfig(b))

	ctx, cancel := context.WithTimeout(context.Background(), raceTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, raceConcurrency)
	for i := 0; i < raceConcurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			msgs := []stream.Message{{Role: stream.RoleUser, Content: fmt.Sprintf("q%d", idx)}}
			text, err := c.stream.Collect(ctx, msgs, "")
			if err != nil {
				errs <- err
				return
			}
			if text != "abc" {
				errs <- fmt.Errorf("goroutine %d got %q", idx, text)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if n := len(b.StreamRequests()); n != raceConcurrency {
		t.Errorf("stream requests = %d, want %d", n, raceConcurrency)
	}
}

// TestConcurrency_TranscriptReadersDuringStream reads snapshots while a
// reply streams in.
func TestConcurrency_TranscriptReadersDuringStream(t *testing.T) {
	tr := model.NewTranscript("")
	tr.AddUserMessage("go")
	tr.BeginAssistant()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < raceConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				tr.Messages()
				tr.ToStreamMessages()
				tr.Last()
			}
		}()
	}

	for i := 0; i < 500; i++ {
		tr.AppendToken("x")
	}
	close(stop)
	wg.Wait()

	msg, err := tr.FinalizeAssistant()
	if err != nil {
		t.Fatal(err)
	}
	if msg.TokenCount != 500 {
		t.Errorf("TokenCount = %d, want 500", msg.TokenCount)
	}
}

// =============================================================================
// JOB CONCURRENCY TESTS
// =============================================================================

// TestConcurrency_IndependentJobs polls many jobs at once.
func TestConcurrency_IndependentJobs(t *testing.T) {
	b := testutil.NewBackend(t)
	c := newClients(testConfig(b))

	ctx, cancel := context.WithTimeout(context.Background(), raceTimeout)
	defer cancel()

	ids := make([]string, raceConcurrency)
	for i := range ids {
		b.ScriptNextJob(
			testutil.JobStep{Status: "PENDING"},
			testutil.JobStep{Status: "COMPLETED", ResultPath: fmt.Sprintf("/media/%d.png", i)},
		)
		id, err := c.jobs.Submit(ctx, jobs.KindImage, fmt.Sprintf("p%d", i))
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = id
	}

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			res, err := c.jobs.Await(ctx, id)
			if err != nil || res.Path != fmt.Sprintf("/media/%d.png", i) {
				failures.Add(1)
			}
		}(i, id)
	}
	wg.Wait()

	if n := failures.Load(); n != 0 {
		t.Errorf("%d jobs failed", n)
	}
}

// TestConcurrency_CoalescedAwait checks that many waiters on one job share
// a single poll loop when coalescing is on.
func TestConcurrency_CoalescedAwait(t *testing.T) {
	b := testutil.NewBackend(t)
	cfg := testConfig(b)
	cfg.Jobs.Coalesce = true
	cfg.Jobs.PollIntervalMs = 30
	c := newClients(cfg)

	b.ScriptJob("image-job-shared",
		testutil.JobStep{Status: "RUNNING"},
		testutil.JobStep{Status: "RUNNING"},
		testutil.JobStep{Status: "COMPLETED", ResultPath: "/media/shared.png"},
	)

	ctx, cancel := context.WithTimeout(context.Background(), raceTimeout)
	defer cancel()

	start := make(chan struct{})
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < raceConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := c.jobs.Await(ctx, "image-job-shared")
			if err != nil || res.Path != "/media/shared.png" {
				failures.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if n := failures.Load(); n != 0 {
		t.Errorf("%d waiters failed", n)
	}
	// Late joiners may start a second loop after the first finished, but
	// never one per waiter.
	if polls := b.Polls("image-job-shared"); polls >= raceConcurrency {
		t.Errorf("polls = %d, want far fewer than %d waiters", polls, raceConcurrency)
	}
}

// =============================================================================
// CHANNEL CONCURRENCY TESTS
// =============================================================================

// TestConcurrency_ChannelSendFromManyGoroutines sends while events arrive.
func TestConcurrency_ChannelSendFromManyGoroutines(t *testing.T) {
	b := testutil.NewBackend(t)
	c := newClients(testConfig(b))
	c.chOpts.SendQueue = raceConcurrency * raceIterations

	var received atomic.Int32
	ch, err := channel.Open(context.Background(), "conv-c", channel.CursorStart,
		func(channel.Event) { received.Add(1) }, c.chOpts)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	var wg sync.WaitGroup
	for i := 0; i < raceConcurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < raceIterations; j++ {
				if err := ch.Send(channel.UserMessage(fmt.Sprintf("%d-%d", idx, j))); err != nil {
					t.Errorf("Send: %v", err)
				}
				_ = ch.State()
				_ = ch.Cursor()
			}
		}(i)
	}
	for i := 0; i < raceIterations; i++ {
		b.AddEvent("conv-c", "tick", i)
	}
	wg.Wait()

	want := raceConcurrency * raceIterations
	waitFor(t, "all commands", func() bool { return len(b.Commands("conv-c")) == want })
	waitFor(t, "all events", func() bool { return received.Load() == raceIterations })
}

// TestConcurrency_ViewMountRace mounts from several goroutines; exactly one
// socket may remain.
func TestConcurrency_ViewMountRace(t *testing.T) {
	b := testutil.NewBackend(t)
	c := newClients(testConfig(b))
	view := channel.NewView(func(channel.Event) {}, c.chOpts)
	defer view.Unmount()

	var wg sync.WaitGroup
	for i := 0; i < raceConcurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			view.Mount(context.Background(), fmt.Sprintf("conv-%d", idx%3))
		}(i)
	}
	wg.Wait()

	cur := view.Current()
	if cur == nil {
		t.Fatal("no channel mounted")
	}
	waitFor(t, "single socket", func() bool {
		total := 0
		for i := 0; i < 3; i++ {
			total += b.Connections(fmt.Sprintf("conv-%d", i))
		}
		return total == 1 && b.Connections(cur.ConversationID()) == 1
	})
}

// =============================================================================
// CONFIG CONCURRENCY TESTS
// =============================================================================

// TestConcurrency_ConfigReads reads one loaded config from many goroutines
// while clones are edited.
func TestConcurrency_ConfigReads(t *testing.T) {
	cfg := config.Default()

	var wg sync.WaitGroup
	for i := 0; i < raceConcurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < raceIterations; j++ {
				if _, err := cfg.Get("jobs.poll_interval_ms"); err != nil {
					t.Errorf("Get: %v", err)
				}
				_ = cfg.PollInterval()
				clone := cfg.Clone()
				if err := clone.Set("stream.default_model", fmt.Sprintf("m%d", idx)); err != nil {
					t.Errorf("Set: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	if cfg.Stream.DefaultModel != config.Default().Stream.DefaultModel {
		t.Errorf("clone edits leaked into the original: %q", cfg.Stream.DefaultModel)
	}
}
