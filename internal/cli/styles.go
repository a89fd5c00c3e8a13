// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// init configures lipgloss color profile based on terminal capabilities.
func init() {
	lipgloss.SetColorProfile(GetColorProfile())
}

// =============================================================================
// SHARED STYLES
// =============================================================================

var (
	// PromptStyle is the chat input prompt
	PromptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")). // Cyan
			Bold(true)

	// TitleStyle is used for command titles and headers
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	// LabelStyle is used for field labels
	LabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")). // Light gray
			Width(14)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")). // Green
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")). // Red
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")) // Yellow/Orange

	// DimStyle is used for secondary information and hints
	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))

	// KindStyle marks the kind column of the events listing
	KindStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("75")). // Blue
			Width(12)
)

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// RenderLabel renders a label with consistent width.
func RenderLabel(label string) string {
	return LabelStyle.Render(label)
}

// RenderStatus renders a job status with an appropriate color.
func RenderStatus(status string) string {
	tag := "[" + strings.ToUpper(status) + "]"
	switch strings.ToUpper(status) {
	case "COMPLETED", "CONNECTED":
		return SuccessStyle.Render(tag)
	case "FAILED", "DISCONNECTED":
		return ErrorStyle.Render(tag)
	case "PENDING", "RUNNING", "CONNECTING":
		return WarningStyle.Render(tag)
	default:
		return DimStyle.Render(tag)
	}
}
