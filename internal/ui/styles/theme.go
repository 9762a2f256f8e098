// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package styles provides the visual styling system for the relay TUI.
// All colors use Lip Gloss AdaptiveColor for automatic light/dark detection.
package styles

import "github.com/charmbracelet/lipgloss"

// =============================================================================
// COLORS
// =============================================================================

// Cyan - user messages, commands, highlights
var Cyan = lipgloss.AdaptiveColor{Light: "#0891B2", Dark: "#22D3EE"}

// Purple - assistant messages, selections
var Purple = lipgloss.AdaptiveColor{Light: "#7C3AED", Dark: "#A78BFA"}

// Emerald - success states, completed tool calls
var Emerald = lipgloss.AdaptiveColor{Light: "#059669", Dark: "#34D399"}

// Amber - warnings, in-flight tool calls
var Amber = lipgloss.AdaptiveColor{Light: "#D97706", Dark: "#FBBF24"}

// Rose - errors, failed tool calls
var Rose = lipgloss.AdaptiveColor{Light: "#E11D48", Dark: "#FB7185"}

// TextPrimary - main body text
var TextPrimary = lipgloss.AdaptiveColor{Light: "#1F2937", Dark: "#CDD6F4"}

// TextMuted - hints, timestamps, placeholders
var TextMuted = lipgloss.AdaptiveColor{Light: "#9CA3AF", Dark: "#6C7086"}

// Overlay - borders, separators
var Overlay = lipgloss.AdaptiveColor{Light: "#E5E5E5", Dark: "#313244"}

// =============================================================================
// THEME
// =============================================================================

// Theme holds the pre-built styles the chat surface renders with.
type Theme struct {
	UserHeader      lipgloss.Style
	AssistantHeader lipgloss.Style
	SystemHeader    lipgloss.Style
	Body            lipgloss.Style
	ToolRunning     lipgloss.Style
	ToolDone        lipgloss.Style
	ToolFailed      lipgloss.Style
	Placeholder     lipgloss.Style
	Notice          lipgloss.Style
	StatusBar       lipgloss.Style
	InputPrompt     lipgloss.Style
}

// NewTheme builds the default theme.
func NewTheme() *Theme {
	return &Theme{
		UserHeader:      lipgloss.NewStyle().Foreground(Cyan).Bold(true),
		AssistantHeader: lipgloss.NewStyle().Foreground(Purple).Bold(true),
		SystemHeader:    lipgloss.NewStyle().Foreground(Amber).Bold(true),
		Body:            lipgloss.NewStyle().Foreground(TextPrimary),
		ToolRunning:     lipgloss.NewStyle().Foreground(Amber),
		ToolDone:        lipgloss.NewStyle().Foreground(Emerald),
		ToolFailed:      lipgloss.NewStyle().Foreground(Rose),
		Placeholder:     lipgloss.NewStyle().Foreground(TextMuted).Italic(true),
		Notice:          lipgloss.NewStyle().Foreground(Rose).Bold(true),
		StatusBar:       lipgloss.NewStyle().Foreground(TextMuted),
		InputPrompt:     lipgloss.NewStyle().Foreground(Cyan).Bold(true),
	}
}
