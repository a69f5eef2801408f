// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/vigil-proctoring/vigil/cmd/vigilctl/cli"
	"github.com/vigil-proctoring/vigil/lib/fanout"
	"github.com/vigil-proctoring/vigil/lib/integrity"
	"github.com/vigil-proctoring/vigil/lib/risk"
	"github.com/vigil-proctoring/vigil/lib/session"
	"github.com/vigil-proctoring/vigil/lib/tui"
)

func watchCommand() *cli.Command {
	var conn connection
	var plain bool
	return &cli.Command{
		Name:    "watch",
		Summary: "Follow an exam's sessions live",
		Description: "Load an exam's sessions, then join its live feed. On a terminal this " +
			"shows a board that highlights rows as they change; otherwise (or with --plain) " +
			"each change is printed as a line.",
		Usage: "vigilctl watch <exam-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := remoteFlags("watch", &conn, nil)()
			flagSet.BoolVar(&plain, "plain", false, "print changes as lines even on a terminal")
			return flagSet
		},
		Run: func(args []string) error {
			if err := requireArgs(args, "exam-id"); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			feed, overviews, err := openFeed(ctx, conn.client(), args[0], conn.Timeout)
			if err != nil {
				return err
			}
			defer feed.close()

			board := newBoard(args[0], overviews)
			if plain || !term.IsTerminal(int(os.Stdout.Fd())) {
				return streamLines(ctx, stdout, board, feed.updates, time.Now)
			}
			program := tea.NewProgram(newWatchModel(board, feed.updates), tea.WithAltScreen(), tea.WithContext(ctx))
			_, err = program.Run()
			if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

// update is anything the socket sends: a fan-out message, or the
// ack/error reply to one of our commands.
type update struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	ExamID    string          `json:"examId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Command   fanout.Command  `json:"command"`
	Message   string          `json:"message,omitempty"`
}

type feed struct {
	conn    *websocket.Conn
	updates <-chan update
	cancel  context.CancelFunc
}

func (f *feed) close() {
	f.cancel()
	f.conn.Close(websocket.StatusNormalClosure, "")
}

// openFeed fetches the current sessions, then joins the exam's feed.
// A change landing between the two shows up with the session's next
// update.
func openFeed(ctx context.Context, client *apiClient, examID string, timeout time.Duration) (*feed, []session.Overview, error) {
	loadCtx, cancelLoad := context.WithTimeout(ctx, timeout)
	defer cancelLoad()
	var overviews []session.Overview
	if err := client.get(loadCtx, "/api/proctoring/exams/"+url.PathEscape(examID)+"/sessions", &overviews); err != nil {
		return nil, nil, err
	}
	conn, err := client.dial(loadCtx)
	if err != nil {
		return nil, nil, err
	}
	var ready update
	if err := wsjson.Read(loadCtx, conn, &ready); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, nil, fmt.Errorf("waiting for the feed: %w", err)
	}
	if ready.Type != "ready" {
		conn.Close(websocket.StatusProtocolError, "")
		return nil, nil, fmt.Errorf("feed opened with %q, want ready", ready.Type)
	}
	if err := wsjson.Write(loadCtx, conn, fanout.Command{Type: fanout.JoinExam, ExamID: examID}); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, nil, err
	}

	readCtx, cancel := context.WithCancel(ctx)
	updates := make(chan update, 64)
	go func() {
		defer close(updates)
		for {
			var u update
			if err := wsjson.Read(readCtx, conn, &u); err != nil {
				if readCtx.Err() == nil {
					select {
					case updates <- update{Type: "error", Message: "feed closed: " + err.Error()}:
					case <-readCtx.Done():
					}
				}
				return
			}
			select {
			case updates <- u:
			case <-readCtx.Done():
				return
			}
		}
	}()
	return &feed{conn: conn, updates: updates, cancel: cancel}, overviews, nil
}

// row is one session on the board.
type row struct {
	id        string
	subject   string
	status    session.Status
	level     risk.Level
	warnings  int
	events    int
	lastEvent integrity.EventType
	degraded  bool
	score     string
}

// board folds feed updates into per-session rows. It is owned by one
// goroutine.
type board struct {
	examID      string
	rows        map[string]*row
	highlighter *tui.Highlighter
	notice      string
}

func newBoard(examID string, overviews []session.Overview) *board {
	b := &board{examID: examID, rows: make(map[string]*row), highlighter: tui.NewHighlighter()}
	for _, o := range overviews {
		r := &row{
			id:       o.Session.ID,
			subject:  o.Session.Subject.Name,
			status:   o.Session.Status,
			level:    o.Risk.Level,
			warnings: o.Risk.Warnings,
			degraded: o.Session.Degraded,
		}
		if res := o.Session.Result; res != nil {
			r.score = fmt.Sprintf("%d/%d", res.Score, res.TotalPoints)
		}
		b.rows[r.id] = r
	}
	return b
}

func (b *board) row(id string) *row {
	r, ok := b.rows[id]
	if !ok {
		r = &row{id: id, status: session.Active}
		b.rows[id] = r
	}
	return r
}

// apply folds u into the board and returns a one-line description,
// or "" when u changes nothing worth reporting.
func (b *board) apply(u update, now time.Time) string {
	switch u.Type {
	case "ack", "ready":
		return ""
	case "error":
		b.notice = u.Message
		return "error: " + u.Message
	}

	switch fanout.Kind(u.Type) {
	case fanout.EventCreated:
		var data fanout.EventCreatedData
		if json.Unmarshal(u.Data, &data) != nil {
			return ""
		}
		r := b.row(u.SessionID)
		r.events++
		r.lastEvent = data.EventType
		b.highlighter.Mark(r.id, tui.FlashUpdate, now)
		return fmt.Sprintf("%s #%d %s", r.label(), data.Sequence, data.EventType)

	case fanout.RiskChanged:
		var data fanout.RiskChangedData
		if json.Unmarshal(u.Data, &data) != nil {
			return ""
		}
		r := b.row(u.SessionID)
		r.level = data.Level
		r.warnings = data.WarningCount
		kind := tui.FlashUpdate
		if data.Level > data.Previous {
			kind = tui.FlashEscalation
		}
		b.highlighter.Mark(r.id, kind, now)
		return fmt.Sprintf("%s risk %s -> %s (%d warnings)", r.label(), data.Previous, data.Level, data.WarningCount)

	case fanout.SessionStatus:
		var data fanout.SessionStatusData
		if json.Unmarshal(u.Data, &data) != nil {
			return ""
		}
		r := b.row(u.SessionID)
		r.status = session.Status(data.Status)
		b.highlighter.Mark(r.id, tui.FlashUpdate, now)
		return fmt.Sprintf("%s %s", r.label(), data.Status)

	case fanout.SessionCompleted:
		var data fanout.SessionCompletedData
		if json.Unmarshal(u.Data, &data) != nil {
			return ""
		}
		r := b.row(u.SessionID)
		r.status = session.Completed
		r.level = data.FinalLevel
		r.score = fmt.Sprintf("%d/%d", data.Score, data.TotalPoints)
		b.highlighter.Mark(r.id, tui.FlashUpdate, now)
		return fmt.Sprintf("%s completed (%s) score %s, final risk %s", r.label(), data.Reason, r.score, data.FinalLevel)

	case fanout.IntegrityDegraded:
		var data fanout.IntegrityDegradedData
		if json.Unmarshal(u.Data, &data) != nil {
			return ""
		}
		r := b.row(u.SessionID)
		r.degraded = true
		b.highlighter.Mark(r.id, tui.FlashEscalation, now)
		return fmt.Sprintf("%s log incomplete: %s", r.label(), data.Reason)
	}
	return ""
}

func (r *row) label() string {
	if r.subject == "" {
		return r.id
	}
	return r.subject + " (" + r.id + ")"
}

// sorted orders rows by risk, highest first, then by subject.
func (b *board) sorted() []*row {
	rows := make([]*row, 0, len(b.rows))
	for _, r := range b.rows {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].level != rows[j].level {
			return rows[i].level > rows[j].level
		}
		if rows[i].subject != rows[j].subject {
			return rows[i].subject < rows[j].subject
		}
		return rows[i].id < rows[j].id
	})
	return rows
}

func streamLines(ctx context.Context, w io.Writer, b *board, updates <-chan update, now func() time.Time) error {
	fmt.Fprintf(w, "watching %s: %d session(s)\n", b.examID, len(b.rows))
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			at := now()
			if line := b.apply(u, at); line != "" {
				fmt.Fprintf(w, "%s  %s\n", at.Format("15:04:05"), line)
			}
		}
	}
}

// feedMsg wraps one update for the bubbletea loop. A closed feed is
// delivered as feedClosedMsg.
type feedMsg struct{ update update }

type feedClosedMsg struct{}

type flashTickMsg struct{}

func listenForUpdate(updates <-chan update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-updates
		if !ok {
			return feedClosedMsg{}
		}
		return feedMsg{update: u}
	}
}

func scheduleFlashTick() tea.Cmd {
	return tea.Tick(tui.FlashTick, func(time.Time) tea.Msg {
		return flashTickMsg{}
	})
}

type watchModel struct {
	board       *board
	updates     <-chan update
	theme       tui.Theme
	now         func() time.Time
	width       int
	closed      bool
	tickRunning bool
}

func newWatchModel(b *board, updates <-chan update) watchModel {
	return watchModel{board: b, updates: updates, theme: tui.DefaultTheme, now: time.Now}
}

func (model watchModel) Init() tea.Cmd {
	return listenForUpdate(model.updates)
}

func (model watchModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.KeyMsg:
		switch message.String() {
		case "q", "esc", "ctrl+c":
			return model, tea.Quit
		}
	case tea.WindowSizeMsg:
		model.width = message.Width
	case feedMsg:
		model.board.apply(message.update, model.now())
		commands := []tea.Cmd{listenForUpdate(model.updates)}
		if !model.tickRunning {
			model.tickRunning = true
			commands = append(commands, scheduleFlashTick())
		}
		return model, tea.Batch(commands...)
	case feedClosedMsg:
		model.closed = true
	case flashTickMsg:
		if model.board.highlighter.Pending(model.now()) {
			return model, scheduleFlashTick()
		}
		model.tickRunning = false
	}
	return model, nil
}

const (
	columnSubject = 20
	columnStatus  = 11
	columnLevel   = 9
	columnCount   = 9
	columnEvent   = 24
)

func (model watchModel) View() string {
	theme := model.theme
	now := model.now()
	header := lipgloss.NewStyle().Bold(true).Foreground(theme.HeaderForeground)
	faint := lipgloss.NewStyle().Foreground(theme.FaintText)

	var out strings.Builder
	title := fmt.Sprintf("vigil  exam %s  %d session(s)", model.board.examID, len(model.board.rows))
	if model.closed {
		title += "  [feed closed]"
	}
	out.WriteString(header.Render(title))
	out.WriteString("\n")
	out.WriteString(faint.Render(fmt.Sprintf("%-*s %-*s %-*s %*s %*s  %-*s %s",
		columnSubject, "SUBJECT", columnStatus, "STATUS", columnLevel, "RISK",
		columnCount, "WARNINGS", columnCount, "EVENTS", columnEvent, "LAST EVENT", "SCORE")))
	out.WriteString("\n")

	for _, r := range model.board.sorted() {
		out.WriteString(model.renderRow(r, now))
		out.WriteString("\n")
	}
	if model.board.notice != "" {
		out.WriteString(lipgloss.NewStyle().Foreground(theme.LevelCritical).Render(model.board.notice))
		out.WriteString("\n")
	}
	out.WriteString(lipgloss.NewStyle().Foreground(theme.HelpText).Render("q quit"))
	return out.String()
}

func (model watchModel) renderRow(r *row, now time.Time) string {
	theme := model.theme
	base := lipgloss.NewStyle().Foreground(theme.NormalText)
	if kind, ok := model.board.highlighter.Active(r.id, now); ok {
		background := theme.FlashOther
		if kind == tui.FlashEscalation {
			background = theme.FlashRaise
		}
		base = base.Background(background)
	}
	cell := func(color lipgloss.Color, width int, text string) string {
		return base.Foreground(color).Width(width).MaxWidth(width).Render(text)
	}

	subject := r.subject
	if subject == "" {
		subject = r.id
	}
	last := string(r.lastEvent)
	if r.degraded {
		last = "log incomplete"
	}
	lastColor := theme.FaintText
	if r.degraded {
		lastColor = theme.Degraded
	}
	score := r.score
	if score == "" {
		score = "-"
	}
	return lipgloss.JoinHorizontal(lipgloss.Top,
		cell(theme.NormalText, columnSubject+1, subject),
		cell(theme.StatusColor(r.status), columnStatus+1, string(r.status)),
		cell(theme.LevelColor(r.level), columnLevel+1, r.level.String()),
		cell(theme.NormalText, columnCount+1, fmt.Sprintf("%*d", columnCount, r.warnings)),
		cell(theme.NormalText, columnCount+2, fmt.Sprintf("%*d", columnCount, r.events)),
		cell(lastColor, columnEvent+1, last),
		cell(theme.NormalText, 0, score),
	)
}
