// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func tree(called *string, received *[]string) *Command {
	record := func(name string) func([]string) error {
		return func(args []string) error {
			*called = name
			*received = args
			return nil
		}
	}
	return &Command{
		Name: "vigilctl",
		Subcommands: []*Command{
			{Name: "sessions", Summary: "List an exam's sessions", Run: record("sessions")},
			{Name: "summary", Summary: "Summarize an exam", Run: record("summary")},
			{
				Name:    "exam",
				Summary: "Exam definitions",
				Subcommands: []*Command{
					{Name: "sample", Run: record("exam sample")},
				},
			},
		},
	}
}

func TestCommand_Execute_Dispatch(t *testing.T) {
	tests := []struct {
		args   []string
		called string
		rest   []string
	}{
		{[]string{"sessions", "midterm"}, "sessions", []string{"midterm"}},
		{[]string{"summary"}, "summary", nil},
		{[]string{"exam", "sample", "extra"}, "exam sample", []string{"extra"}},
	}
	for _, tt := range tests {
		var called string
		var received []string
		if err := tree(&called, &received).execute(tt.args, &bytes.Buffer{}); err != nil {
			t.Fatalf("Execute(%v) error: %v", tt.args, err)
		}
		if called != tt.called {
			t.Errorf("Execute(%v) dispatched to %q, want %q", tt.args, called, tt.called)
		}
		if strings.Join(received, " ") != strings.Join(tt.rest, " ") {
			t.Errorf("Execute(%v) args = %v, want %v", tt.args, received, tt.rest)
		}
	}
}

func TestCommand_Execute_FlagParsing(t *testing.T) {
	var server string
	var since string
	command := &Command{
		Name: "logs",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("logs", pflag.ContinueOnError)
			flagSet.StringVar(&server, "server", "http://127.0.0.1:8080", "service URL")
			flagSet.StringVar(&since, "since", "", "only newer events")
			return flagSet
		},
		Run: func(args []string) error { return nil },
	}
	if err := command.Execute([]string{"--server", "http://proctor:9000", "--since=2026-03-01T09:00:00Z", "s-1"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if server != "http://proctor:9000" || since != "2026-03-01T09:00:00Z" {
		t.Errorf("server=%q since=%q", server, since)
	}
}

func TestCommand_Execute_UnknownFlagSuggestion(t *testing.T) {
	command := &Command{
		Name: "export",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("export", pflag.ContinueOnError)
			flagSet.Bool("frames", false, "include frames")
			flagSet.String("output", "", "output file")
			return flagSet
		},
		Run: func(args []string) error { return nil },
	}
	err := command.Execute([]string{"--frmes"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
	if !strings.Contains(err.Error(), "did you mean --frames?") {
		t.Errorf("error = %q, want a --frames suggestion", err)
	}

	err = command.Execute([]string{"--zzzzzzzz"})
	if err == nil || strings.Contains(err.Error(), "did you mean") {
		t.Errorf("error = %v, want no suggestion", err)
	}
}

func TestCommand_Execute_UnknownSubcommandSuggestion(t *testing.T) {
	var called string
	var received []string
	err := tree(&called, &received).execute([]string{"sesions"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), `did you mean "sessions"?`) {
		t.Errorf("error = %v, want a sessions suggestion", err)
	}
	err = tree(&called, &received).execute([]string{"xyzzyplugh"}, &bytes.Buffer{})
	if err == nil || strings.Contains(err.Error(), "did you mean") {
		t.Errorf("error = %v, want no suggestion", err)
	}
}

func TestCommand_Execute_HelpAndMissingSubcommand(t *testing.T) {
	var called string
	var received []string
	var help bytes.Buffer
	if err := tree(&called, &received).execute([]string{"--help"}, &help); err != nil {
		t.Fatalf("--help returned %v", err)
	}
	if !strings.Contains(help.String(), "sessions") || called != "" {
		t.Errorf("help output %q, called %q", help.String(), called)
	}

	help.Reset()
	if err := tree(&called, &received).execute(nil, &help); err == nil {
		t.Error("expected an error without a subcommand")
	}
	if help.Len() == 0 {
		t.Error("expected help when no subcommand is given")
	}
}

func TestCommand_PrintHelp(t *testing.T) {
	command := &Command{
		Name:        "watch",
		Description: "Live dashboard of an exam.",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
			flagSet.Bool("plain", false, "print lines instead of the dashboard")
			return flagSet
		},
		Examples: []Example{{Description: "Follow the midterm", Command: "vigilctl watch midterm"}},
	}
	var buf bytes.Buffer
	command.PrintHelp(&buf)
	for _, want := range []string{"Live dashboard", "Usage:\n  watch [flags]", "--plain", "# Follow the midterm", "vigilctl watch midterm"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("help missing %q:\n%s", want, buf.String())
		}
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"chain", "chain", 0},
		{"chian", "chain", 2},
		{"logs", "log", 1},
		{"summary", "sumary", 1},
		{"kitten", "sitting", 3},
	}
	for _, tt := range tests {
		if got := levenshtein(tt.a, tt.b); got != tt.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
		if got := levenshtein(tt.b, tt.a); got != tt.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d (symmetric)", tt.b, tt.a, got, tt.want)
		}
	}
}

func TestWriteJSONNilSlice(t *testing.T) {
	var buf bytes.Buffer
	var empty []string
	if err := WriteJSON(&buf, empty); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(buf.String()); got != "[]" {
		t.Errorf("WriteJSON(nil slice) = %q, want []", got)
	}
}
