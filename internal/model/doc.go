// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the chat transcript and its messages.
//
// # Key Types
//
//   - Transcript: ordered, append-only history with one in-flight assistant message
//   - Message: single message with role, content, timestamp and generation stats
//   - Role: message role enumeration (user, assistant, system)
//
// # Usage
//
// Stream a reply into a transcript:
//
//	t := model.NewTranscript("small")
//	t.AddUserMessage("Hello!")
//	t.BeginAssistant()
//	err := client.Stream(ctx, t.ToStreamMessages(), t.Model(), func(tok string) {
//	    t.AppendToken(tok)
//	})
//	if err != nil {
//	    t.FailAssistant(err)
//	} else {
//	    t.FinalizeAssistant()
//	}
package model
