// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// jobs_cmd.go - Image/video generation and job inspection commands.
//
// Examples:
//   chatlink image "a lighthouse at dusk"
//   chatlink video --no-wait "waves"
//   chatlink job status image-job-42
//   chatlink job wait image-job-42
package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/chatlink/internal/jobs"
)

const (
	generateUsage = "chatlink image|video [--no-wait] <prompt>"
	jobUsage      = "chatlink job status|wait <id>"
)

// JobData is the --json output of the job commands.
type JobData struct {
	ID     string `json:"id"`
	Kind   string `json:"kind,omitempty"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HandleGenerate submits an image or video job and, unless --no-wait is
// given, waits for its result.
func HandleGenerate(ctx context.Context, env *Env, kind string, raw []string) error {
	p := NewArgParser(raw, "no-wait", "json")
	prompt := strings.TrimSpace(p.JoinFrom(0))
	if prompt == "" {
		return usageError(generateUsage, "a prompt is required")
	}
	if err := env.requireConfig(); err != nil {
		return err
	}
	jobKind, err := jobs.ParseKind(kind)
	if err != nil {
		return usageError(generateUsage, "%v", err)
	}

	client := env.jobsClient()
	jsonMode := env.JSON || p.BoolFlag("json")

	id, err := client.Submit(ctx, jobKind, prompt)
	if err != nil {
		return err
	}
	if !jsonMode {
		fmt.Fprintf(env.Stderr, "%s %s\n", RenderLabel("Job"), id)
	}

	if p.BoolFlag("no-wait") {
		if jsonMode {
			return NewJSONResponse(kind, JobData{ID: id, Kind: kind, Status: string(jobs.StatusPending)}).Write(env.Stdout)
		}
		fmt.Fprintln(env.Stdout, id)
		return nil
	}

	return awaitAndPrint(ctx, env, client, id, kind, jsonMode)
}

// HandleJob implements "job status" and "job wait".
func HandleJob(ctx context.Context, env *Env, raw []string) error {
	p := NewArgParser(raw, "json")
	sub, id := p.Positional(0), p.Positional(1)
	if id == "" {
		return usageError(jobUsage, "a job id is required")
	}
	if err := env.requireConfig(); err != nil {
		return err
	}

	client := env.jobsClient()
	jsonMode := env.JSON || p.BoolFlag("json")

	switch sub {
	case "status":
		job, err := client.Status(ctx, id)
		if err != nil {
			return err
		}
		data := JobData{ID: job.ID, Status: string(job.Status), Error: job.Error}
		if job.Result != nil {
			data.Result = job.Result.Path
		}
		if jsonMode {
			return NewJSONResponse("job status", data).Write(env.Stdout)
		}
		printJob(env, data)
		return nil

	case "wait":
		return awaitAndPrint(ctx, env, client, id, "", jsonMode)

	default:
		return usageError(jobUsage, "unknown subcommand %q", sub)
	}
}

func awaitAndPrint(ctx context.Context, env *Env, client *jobs.Client, id, kind string, jsonMode bool) error {
	start := time.Now()
	if !jsonMode {
		fmt.Fprintf(env.Stderr, "%s\n", DimStyle.Render(fmt.Sprintf("waiting (polling every %s)...", client.PollInterval())))
	}

	result, err := client.Await(ctx, id)
	if err != nil {
		var jobErr *jobs.JobError
		if jsonMode && errors.As(err, &jobErr) {
			NewJSONResponse("job wait", JobData{ID: id, Kind: kind, Status: string(jobs.StatusFailed), Error: jobErr.Message}).Write(env.Stdout)
		}
		return err
	}

	data := JobData{ID: id, Kind: kind, Status: string(jobs.StatusCompleted), Result: result.Path}
	if jsonMode {
		return NewJSONResponse("job wait", data).Write(env.Stdout)
	}
	printJob(env, data)
	fmt.Fprintln(env.Stderr, DimStyle.Render(fmt.Sprintf("done in %s", time.Since(start).Round(time.Millisecond))))
	return nil
}

func printJob(env *Env, data JobData) {
	fmt.Fprintf(env.Stdout, "%s %s %s\n", RenderLabel("Job"), data.ID, RenderStatus(data.Status))
	if data.Result != "" {
		fmt.Fprintf(env.Stdout, "%s %s\n", RenderLabel("Result"), data.Result)
	}
	if data.Error != "" {
		fmt.Fprintf(env.Stdout, "%s %s\n", RenderLabel("Error"), data.Error)
	}
}
