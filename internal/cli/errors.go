// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/jeranaias/chatlink/internal/channel"
	"github.com/jeranaias/chatlink/internal/config"
	"github.com/jeranaias/chatlink/internal/jobs"
	"github.com/jeranaias/chatlink/internal/transport"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitConfigError  = 3
	ExitAuthError    = 4
	ExitNetworkError = 5
	ExitNotFound     = 7
	ExitTimeout      = 8
	ExitJobFailed    = 9
	ExitCancelled    = 130
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// UsageError is invalid command usage. The usage line is printed with it.
type UsageError struct {
	Usage  string
	Reason string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s\nUsage: %s", e.Reason, e.Usage)
}

func usageError(usage, format string, args ...any) error {
	return &UsageError{Usage: usage, Reason: fmt.Sprintf(format, args...)}
}

// ExitCode maps an error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var usage *UsageError
	var verrs config.ValidateErrors
	var te *transport.Error
	var jobErr *jobs.JobError

	switch {
	case errors.As(err, &usage):
		return ExitUsageError
	case errors.As(err, &verrs):
		return ExitConfigError
	case errors.Is(err, transport.ErrCancelled):
		return ExitCancelled
	case errors.Is(err, jobs.ErrMaxAttempts), errors.Is(err, jobs.ErrMaxWait):
		return ExitTimeout
	case errors.As(err, &jobErr):
		return ExitJobFailed
	case errors.As(err, &te):
		switch {
		case te.Status == http.StatusUnauthorized || te.Status == http.StatusForbidden:
			return ExitAuthError
		case te.Status == http.StatusNotFound:
			return ExitNotFound
		case te.Kind == transport.KindNetwork:
			return ExitNetworkError
		}
	}
	return ExitGeneralError
}

// hint returns a one-line suggestion for well-known failures, or "".
func hint(err error) string {
	var te *transport.Error
	switch {
	case errors.As(err, &te) && te.Kind == transport.KindNetwork:
		return "is the backend running? check server.base_url (chatlink config show)"
	case errors.As(err, &te) && (te.Status == http.StatusUnauthorized || te.Status == http.StatusForbidden):
		return "check server.api_key or CHATLINK_API_KEY"
	case errors.Is(err, channel.ErrSendQueueFull):
		return "the connection is slow; wait and retry"
	}
	return ""
}

// DisplayError writes err (and a hint when one applies) to w.
func DisplayError(w io.Writer, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(w, "%s %v\n", ErrorStyle.Render("[ERROR]"), err)
	if h := hint(err); h != "" {
		fmt.Fprintf(w, "        %s\n", DimStyle.Render(h))
	}
}
