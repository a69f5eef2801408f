// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package biometric

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vigil-proctoring/vigil/lib/integrity"
)

// Worker protocol: every message in either direction is a 4-byte
// big-endian length followed by a msgpack map. The worker speaks first
// with {"type": "ready"} once its models are loaded; after that it
// answers each request with exactly one "result" or "error" message
// carrying the request id.

const maxMessageSize = 64 << 20

type detectRequest struct {
	ID        uint64 `msgpack:"id"`
	FrameData []byte `msgpack:"frame_data"`
	Format    string `msgpack:"format"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
}

type wireFace struct {
	Box        []float64   `msgpack:"box"`
	Score      float64     `msgpack:"score"`
	Landmarks  [][]float64 `msgpack:"landmarks"`
	Descriptor []float64   `msgpack:"descriptor"`
}

type workerMessage struct {
	Type  string     `msgpack:"type"`
	ID    uint64     `msgpack:"id"`
	Faces []wireFace `msgpack:"faces"`
	Error string     `msgpack:"error"`
}

func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readMessage(r io.Reader) (workerMessage, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return workerMessage{}, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxMessageSize {
		return workerMessage{}, fmt.Errorf("message of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return workerMessage{}, err
	}
	var msg workerMessage
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		return workerMessage{}, fmt.Errorf("unmarshal: %w", err)
	}
	return msg, nil
}

func (f wireFace) detection() Detection {
	d := Detection{Score: f.Score, Descriptor: f.Descriptor}
	if len(f.Box) == 4 {
		d.Box = Box{X: f.Box[0], Y: f.Box[1], Width: f.Box[2], Height: f.Box[3]}
	}
	d.Landmarks = make([]Point, 0, len(f.Landmarks))
	for _, p := range f.Landmarks {
		if len(p) >= 2 {
			d.Landmarks = append(d.Landmarks, Point{X: p[0], Y: p[1]})
		}
	}
	return d
}

// ProcessConfig describes the worker process.
type ProcessConfig struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Logger  *slog.Logger
}

// ProcessDetector is a [Detector] backed by a worker process. One
// request is in flight at a time.
type ProcessDetector struct {
	logger *slog.Logger
	stdin  io.WriteCloser
	stdout io.Reader
	cmd    *exec.Cmd

	// slot holds a token while the pipe is free. It is empty until
	// the ready handshake arrives.
	slot   chan struct{}
	ready  atomic.Bool
	nextID atomic.Uint64
	exited chan struct{}

	closeOnce sync.Once
}

// StartProcess launches the worker. The detector reports Ready once the
// worker's handshake arrives; ctx bounds the process lifetime.
func StartProcess(ctx context.Context, cfg ProcessConfig) (*ProcessDetector, error) {
	if cfg.Command == "" {
		return nil, errors.New("biometric: worker command is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("biometric: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("biometric: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("biometric: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("biometric: starting %s: %w", cfg.Command, err)
	}
	logger.Info("detector worker started", "command", cfg.Command, "pid", cmd.Process.Pid)

	d := newProcessDetector(stdin, bufio.NewReader(stdout), logger)
	d.cmd = cmd
	go d.logStderr(stderr)
	go func() {
		err := cmd.Wait()
		d.ready.Store(false)
		d.logger.Warn("detector worker exited", "error", err)
		close(d.exited)
	}()
	return d, nil
}

func newProcessDetector(stdin io.WriteCloser, stdout io.Reader, logger *slog.Logger) *ProcessDetector {
	d := &ProcessDetector{
		logger: logger,
		stdin:  stdin,
		stdout: stdout,
		slot:   make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	go d.awaitReady()
	return d
}

func (d *ProcessDetector) awaitReady() {
	msg, err := readMessage(d.stdout)
	if err != nil {
		d.logger.Error("detector worker handshake failed", "error", err)
		return
	}
	if msg.Type != "ready" {
		d.logger.Error("detector worker sent unexpected first message", "type", msg.Type)
		return
	}
	d.ready.Store(true)
	d.slot <- struct{}{}
	d.logger.Info("detector worker ready")
}

func (d *ProcessDetector) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		d.logger.Debug("detector worker", "stderr", scanner.Text())
	}
}

// Ready reports whether the handshake arrived and the worker is healthy.
func (d *ProcessDetector) Ready() bool { return d.ready.Load() }

// Detect sends one frame and waits for its result. If ctx ends first the
// call returns immediately; the pipe stays busy until the worker's
// answer is read and discarded.
func (d *ProcessDetector) Detect(ctx context.Context, frame Frame) ([]Detection, error) {
	if !d.Ready() {
		return nil, fmt.Errorf("%w: detector worker not ready", integrity.ErrAnalysisUnavailable)
	}
	select {
	case <-d.slot:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	type outcome struct {
		detections []Detection
		err        error
	}
	done := make(chan outcome, 1)
	id := d.nextID.Add(1)
	go func() {
		detections, err := d.roundTrip(id, frame)
		d.slot <- struct{}{}
		done <- outcome{detections, err}
	}()

	select {
	case o := <-done:
		return o.detections, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *ProcessDetector) roundTrip(id uint64, frame Frame) ([]Detection, error) {
	err := writeMessage(d.stdin, detectRequest{
		ID:        id,
		FrameData: frame.Data,
		Format:    frame.Format,
		Width:     frame.Width,
		Height:    frame.Height,
	})
	if err != nil {
		return nil, d.broken(fmt.Errorf("write request %d: %w", id, err))
	}
	msg, err := readMessage(d.stdout)
	if err != nil {
		return nil, d.broken(fmt.Errorf("read response %d: %w", id, err))
	}
	if msg.ID != id {
		return nil, d.broken(fmt.Errorf("response id %d for request %d", msg.ID, id))
	}
	switch msg.Type {
	case "result":
		detections := make([]Detection, len(msg.Faces))
		for i, face := range msg.Faces {
			detections[i] = face.detection()
		}
		return detections, nil
	case "error":
		return nil, fmt.Errorf("%w: detector worker: %s", integrity.ErrAnalysisUnavailable, msg.Error)
	default:
		return nil, d.broken(fmt.Errorf("unexpected message type %q", msg.Type))
	}
}

// broken marks the pipe unusable; the stream can no longer be trusted
// to be in step.
func (d *ProcessDetector) broken(err error) error {
	d.ready.Store(false)
	d.logger.Error("detector worker protocol failure", "error", err)
	return fmt.Errorf("%w: %w", integrity.ErrAnalysisUnavailable, err)
}

// Close closes the worker's stdin and waits briefly for it to exit
// before killing it.
func (d *ProcessDetector) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.ready.Store(false)
		err = d.stdin.Close()
		if d.cmd == nil {
			return
		}
		select {
		case <-d.exited:
		case <-time.After(5 * time.Second):
			d.logger.Warn("detector worker did not exit, killing")
			if killErr := d.cmd.Process.Kill(); killErr != nil {
				err = errors.Join(err, killErr)
			}
			<-d.exited
		}
	})
	return err
}
