// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/vigil-proctoring/vigil/lib/risk"
	"github.com/vigil-proctoring/vigil/lib/session"
)

// Theme is a 256-color palette for dark terminals.
type Theme struct {
	NormalText lipgloss.Color
	FaintText  lipgloss.Color

	LevelNominal  lipgloss.Color
	LevelElevated lipgloss.Color
	LevelCritical lipgloss.Color

	StatusRegistered lipgloss.Color
	StatusActive     lipgloss.Color
	StatusCompleted  lipgloss.Color
	StatusAbandoned  lipgloss.Color

	// Degraded marks sessions whose log is known to be incomplete.
	Degraded lipgloss.Color

	HeaderForeground lipgloss.Color
	HelpText         lipgloss.Color

	// Flash backgrounds rows that just changed.
	FlashRaise lipgloss.Color
	FlashOther lipgloss.Color
}

// LevelColor falls back to FaintText for unknown levels.
func (theme Theme) LevelColor(level risk.Level) lipgloss.Color {
	switch level {
	case risk.Nominal:
		return theme.LevelNominal
	case risk.Elevated:
		return theme.LevelElevated
	case risk.Critical:
		return theme.LevelCritical
	default:
		return theme.FaintText
	}
}

func (theme Theme) StatusColor(status session.Status) lipgloss.Color {
	switch status {
	case session.Registered:
		return theme.StatusRegistered
	case session.Active:
		return theme.StatusActive
	case session.Completed:
		return theme.StatusCompleted
	case session.Abandoned:
		return theme.StatusAbandoned
	default:
		return theme.FaintText
	}
}

var DefaultTheme = Theme{
	NormalText: lipgloss.Color("252"),
	FaintText:  lipgloss.Color("245"),

	LevelNominal:  lipgloss.Color("114"), // green
	LevelElevated: lipgloss.Color("220"), // amber
	LevelCritical: lipgloss.Color("196"), // red

	StatusRegistered: lipgloss.Color("75"),
	StatusActive:     lipgloss.Color("114"),
	StatusCompleted:  lipgloss.Color("245"),
	StatusAbandoned:  lipgloss.Color("141"),

	Degraded: lipgloss.Color("208"),

	HeaderForeground: lipgloss.Color("255"),
	HelpText:         lipgloss.Color("241"),

	FlashRaise: lipgloss.Color("52"), // dark red
	FlashOther: lipgloss.Color("58"), // dark amber
}
