// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/vigil-proctoring/vigil/cmd/vigilctl/cli"
	"github.com/vigil-proctoring/vigil/lib/eventlog"
	"github.com/vigil-proctoring/vigil/lib/evidence"
	"github.com/vigil-proctoring/vigil/lib/exam"
	"github.com/vigil-proctoring/vigil/lib/integrity"
	"github.com/vigil-proctoring/vigil/lib/session"
	"github.com/vigil-proctoring/vigil/lib/version"
)

var stdout io.Writer = os.Stdout

func root() *cli.Command {
	return &cli.Command{
		Name:        "vigilctl",
		Description: "Operator tool for vigil-service: inspect sessions, verify logs, export evidence.",
		Subcommands: []*cli.Command{
			sessionsCommand(),
			summaryCommand(),
			logsCommand(),
			chainCommand(),
			exportCommand(),
			inspectCommand(),
			watchCommand(),
			examCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Fprintf(stdout, "vigilctl %s\n", version.Full())
					return nil
				},
			},
		},
	}
}

func requireArgs(args []string, names ...string) error {
	if len(args) != len(names) {
		return fmt.Errorf("expected %d argument(s): %v", len(names), names)
	}
	return nil
}

func remoteFlags(name string, conn *connection, jsonOut *bool) func() *pflag.FlagSet {
	return func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
		conn.addFlags(flagSet)
		if jsonOut != nil {
			flagSet.BoolVar(jsonOut, "json", false, "output as JSON")
		}
		return flagSet
	}
}

func sessionsCommand() *cli.Command {
	var conn connection
	var jsonOut bool
	return &cli.Command{
		Name:    "sessions",
		Summary: "List an exam's sessions with their risk",
		Usage:   "vigilctl sessions <exam-id> [flags]",
		Examples: []cli.Example{
			{Description: "Sessions of the sample exam on a remote service", Command: "vigilctl sessions sample-cs-final --server https://proctor.example.edu"},
		},
		Flags: remoteFlags("sessions", &conn, &jsonOut),
		Run: func(args []string) error {
			if err := requireArgs(args, "exam-id"); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), conn.Timeout)
			defer cancel()
			var overviews []session.Overview
			if err := conn.client().get(ctx, "/api/proctoring/exams/"+url.PathEscape(args[0])+"/sessions", &overviews); err != nil {
				return err
			}
			if jsonOut {
				return cli.WriteJSON(stdout, overviews)
			}
			writeOverviews(stdout, overviews)
			return nil
		},
	}
}

func writeOverviews(w io.Writer, overviews []session.Overview) {
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSUBJECT\tSTATUS\tRISK\tWARNINGS\tSCORE\tNOTE")
	for _, o := range overviews {
		score := "-"
		if r := o.Session.Result; r != nil {
			score = fmt.Sprintf("%d/%d", r.Score, r.TotalPoints)
		}
		note := o.Session.EndReason
		if o.Session.Degraded {
			note = "log incomplete"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			o.Session.ID, o.Session.Subject.Name, o.Session.Status, o.Risk.Level,
			o.Risk.Warnings, score, note)
	}
	tw.Flush()
}

func summaryCommand() *cli.Command {
	var conn connection
	var jsonOut bool
	return &cli.Command{
		Name:    "summary",
		Summary: "Count an exam's sessions by state and risk",
		Usage:   "vigilctl summary <exam-id> [flags]",
		Flags:   remoteFlags("summary", &conn, &jsonOut),
		Run: func(args []string) error {
			if err := requireArgs(args, "exam-id"); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), conn.Timeout)
			defer cancel()
			var summary session.Summary
			if err := conn.client().get(ctx, "/api/proctoring/exams/"+url.PathEscape(args[0])+"/summary", &summary); err != nil {
				return err
			}
			if jsonOut {
				return cli.WriteJSON(stdout, summary)
			}
			fmt.Fprintf(stdout, "exam %s: %d students, %d active, %d completed, %d abandoned\n",
				summary.ExamID, summary.Students, summary.Active, summary.Completed, summary.Abandoned)
			fmt.Fprintf(stdout, "warnings %d, critical %d, incomplete logs %d\n",
				summary.Warnings, summary.Critical, summary.Degraded)
			return nil
		},
	}
}

func logsCommand() *cli.Command {
	var conn connection
	var jsonOut bool
	var since string
	return &cli.Command{
		Name:    "logs",
		Summary: "Print a session's integrity log",
		Usage:   "vigilctl logs <session-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := remoteFlags("logs", &conn, &jsonOut)()
			flagSet.StringVar(&since, "since", "", "only events at or after this RFC 3339 time")
			return flagSet
		},
		Run: func(args []string) error {
			if err := requireArgs(args, "session-id"); err != nil {
				return err
			}
			path := "/api/proctoring/sessions/" + url.PathEscape(args[0]) + "/logs"
			if since != "" {
				if _, err := time.Parse(time.RFC3339Nano, since); err != nil {
					return fmt.Errorf("--since: %w", err)
				}
				path += "?since=" + url.QueryEscape(since)
			}
			ctx, cancel := context.WithTimeout(context.Background(), conn.Timeout)
			defer cancel()
			var events []integrity.Event
			if err := conn.client().get(ctx, path, &events); err != nil {
				return err
			}
			if jsonOut {
				return cli.WriteJSON(stdout, events)
			}
			writeEvents(stdout, events)
			return nil
		},
	}
}

func writeEvents(w io.Writer, events []integrity.Event) {
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tEVENT\tDETAIL")
	for _, e := range events {
		detail := ""
		if len(e.Detail) > 0 {
			detail = fmt.Sprint(map[string]any(e.Detail))
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.Sequence, e.Timestamp.Format(time.RFC3339), e.Type, detail)
	}
	tw.Flush()
}

func chainCommand() *cli.Command {
	var conn connection
	var jsonOut bool
	return &cli.Command{
		Name:        "chain",
		Summary:     "Verify a session's hash chain",
		Description: "Recompute every hash of a session's log. Exits 1 when the chain is broken.",
		Usage:       "vigilctl chain <session-id> [flags]",
		Flags:       remoteFlags("chain", &conn, &jsonOut),
		Run: func(args []string) error {
			if err := requireArgs(args, "session-id"); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), conn.Timeout)
			defer cancel()
			var report eventlog.ChainReport
			if err := conn.client().get(ctx, "/api/proctoring/sessions/"+url.PathEscape(args[0])+"/chain", &report); err != nil {
				return err
			}
			if jsonOut {
				if err := cli.WriteJSON(stdout, report); err != nil {
					return err
				}
			} else {
				writeChain(stdout, report)
			}
			if !report.Intact {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

func writeChain(w io.Writer, report eventlog.ChainReport) {
	if report.Intact {
		fmt.Fprintf(w, "intact: %d events, head %s\n", report.Events, report.Head)
		return
	}
	fmt.Fprintf(w, "BROKEN at sequence %d: %s\n", report.BrokenAt, report.Reason)
}

func exportCommand() *cli.Command {
	var conn connection
	var output string
	var frames string
	return &cli.Command{
		Name:    "export",
		Summary: "Download a session's evidence bundle",
		Usage:   "vigilctl export <session-id> [flags]",
		Examples: []cli.Example{
			{Description: "Export without frames", Command: "vigilctl export 5f0c... --frames=false -o evidence.vigil"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := remoteFlags("export", &conn, nil)()
			flagSet.StringVarP(&output, "output", "o", "", "file to write (default: the name the service suggests)")
			flagSet.StringVar(&frames, "frames", "", "true or false to override the service's include_frames")
			return flagSet
		},
		Run: func(args []string) error {
			if err := requireArgs(args, "session-id"); err != nil {
				return err
			}
			path := "/api/proctoring/sessions/" + url.PathEscape(args[0]) + "/export"
			if frames != "" {
				path += "?frames=" + url.QueryEscape(frames)
			}
			if output == "" {
				output = args[0] + ".vigil"
			}
			ctx, cancel := context.WithTimeout(context.Background(), conn.Timeout)
			defer cancel()
			body, err := conn.client().download(ctx, path)
			if err != nil {
				return err
			}
			defer body.Close()
			n, err := writeFileAtomic(output, body)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "wrote %s (%d bytes)\n", output, n)
			return nil
		},
	}
}

// writeFileAtomic writes through a temporary file in the same
// directory so a failed download leaves nothing behind.
func writeFileAtomic(path string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

func inspectCommand() *cli.Command {
	var identityFile string
	var jsonOut bool
	return &cli.Command{
		Name:        "inspect",
		Summary:     "Open an exported bundle and check its chain",
		Description: "Decrypt (when sealed) and decode a bundle written by 'vigilctl export', then print its contents. Exits 1 when the recorded chain report says the log was broken.",
		Usage:       "vigilctl inspect <bundle-file> [flags]",
		Examples: []cli.Example{
			{Description: "Open a sealed bundle", Command: "vigilctl inspect evidence.vigil -i ~/.config/vigil/age.key"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
			flagSet.StringVarP(&identityFile, "identity", "i", "", "file holding an AGE-SECRET-KEY-1... identity")
			flagSet.BoolVar(&jsonOut, "json", false, "output the events as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			if err := requireArgs(args, "bundle-file"); err != nil {
				return err
			}
			identity, err := readIdentity(identityFile)
			if err != nil {
				return err
			}
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()
			bundle, err := evidence.ReadBundle(file, identity)
			if err != nil {
				return err
			}
			if jsonOut {
				if err := cli.WriteJSON(stdout, bundle.Events); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(stdout, "session %s exported %s, %d events, %d frames\n",
					bundle.SessionID, bundle.ExportedAt.Format(time.RFC3339), len(bundle.Events), len(bundle.Frames))
				writeChain(stdout, bundle.Chain)
				writeEvents(stdout, bundle.Events)
			}
			if !bundle.Chain.Intact {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

func readIdentity(path string) (string, error) {
	if path == "" {
		return os.Getenv("VIGIL_AGE_IDENTITY"), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return line, nil
		}
	}
	return "", errors.New("no identity found in " + path)
}

func examCommand() *cli.Command {
	return &cli.Command{
		Name:    "exam",
		Summary: "Work with exam definitions",
		Subcommands: []*cli.Command{
			{
				Name:    "sample",
				Summary: "Print the built-in sample exam",
				Run: func(args []string) error {
					return cli.WriteJSON(stdout, exam.Sample())
				},
			},
			{
				Name:    "check",
				Summary: "Validate exam definition files",
				Usage:   "vigilctl exam check <file>...",
				Run: func(args []string) error {
					if len(args) == 0 {
						return errors.New("expected at least one file")
					}
					failed := false
					for _, path := range args {
						data, err := os.ReadFile(path)
						if err == nil {
							var e exam.Exam
							if e, err = exam.Parse(data); err == nil {
								fmt.Fprintf(stdout, "%s: ok (%s, %d questions, %d points)\n",
									path, e.ID, len(e.Questions), e.TotalPoints())
								continue
							}
						}
						failed = true
						fmt.Fprintf(stdout, "%s: %v\n", path, err)
					}
					if failed {
						return &cli.ExitError{Code: 1}
					}
					return nil
				},
			},
		},
	}
}
