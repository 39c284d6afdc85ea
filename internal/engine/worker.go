package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/ironfish/clusterd/internal/ierrors"
	"github.com/ironfish/clusterd/internal/logging"
)

// WorkerState is the worker's line-protocol state machine (spec §4.1).
type WorkerState int

const (
	StateUninitialized WorkerState = iota
	StateReady
	StateSearching
	StateRestarting
)

func (s WorkerState) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateReady:
		return "Ready"
	case StateSearching:
		return "Searching"
	case StateRestarting:
		return "Restarting"
	default:
		return "Unknown"
	}
}

// Worker owns one external engine child process speaking a line-oriented
// text protocol over stdin/stdout. Commands are serialized through mu,
// which also guards the state and pipes; reads are serialized through the
// stdout mutex, held in
// writer-then-reader order for any command that both writes and reads
// (spec §5).
type Worker struct {
	id   int
	path string

	mu    sync.Mutex // guards state and cmd/pipes together (replace-on-restart)
	state WorkerState
	cmd   *exec.Cmd
	stdin io.WriteCloser

	stdoutMu sync.Mutex
	reader   *bufio.Scanner

	log *zap.SugaredLogger
}

// NewWorker constructs an uninitialized worker bound to the engine binary
// at path.
func NewWorker(id int, path string, log *zap.SugaredLogger) *Worker {
	return &Worker{
		id:    id,
		path:  path,
		state: StateUninitialized,
		log:   logging.Component(log, "engine-worker"),
	}
}

// State returns the worker's current protocol state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start spawns the child process and runs the handshake: send "uci", wait
// for "uciok", send "isready", wait for "readyok" (spec §4.1 Uninit→Ready).
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.startLocked(ctx)
}

func (w *Worker) startLocked(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, w.path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return ierrors.WithKind(ierrors.Wrap(err, "failed to open engine stdin"), ierrors.KindEngine)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ierrors.WithKind(ierrors.Wrap(err, "failed to open engine stdout"), ierrors.KindEngine)
	}
	if err := cmd.Start(); err != nil {
		return ierrors.WithKind(ierrors.Wrap(err, "failed to start engine process"), ierrors.KindEngine)
	}

	w.cmd = cmd
	w.stdin = stdin
	w.reader = bufio.NewScanner(stdout)
	w.reader.Buffer(make([]byte, 64*1024), 1<<20)
	w.state = StateUninitialized

	if err := w.writeLineLocked("uci"); err != nil {
		return err
	}
	if err := w.waitForLocked("uciok"); err != nil {
		return err
	}
	if err := w.writeLineLocked("isready"); err != nil {
		return err
	}
	if err := w.waitForLocked("readyok"); err != nil {
		return err
	}

	w.state = StateReady
	w.log.Infow("engine worker ready", "worker_id", w.id)
	return nil
}

// Restart tears down the current process (best-effort) and re-runs
// initialization. Any state may transition here on I/O error (spec §4.1).
func (w *Worker) Restart(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateRestarting
	w.killLocked()
	return w.startLocked(ctx)
}

func (w *Worker) killLocked() {
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
		_ = w.cmd.Wait()
	}
	w.cmd = nil
	w.stdin = nil
	w.reader = nil
}

// Close terminates the child process.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.killLocked()
	return nil
}

func (w *Worker) writeLineLocked(line string) error {
	if w.stdin == nil {
		return ierrors.WithKind(ierrors.New("engine worker has no stdin pipe"), ierrors.KindEngine)
	}
	if _, err := fmt.Fprintf(w.stdin, "%s\n", line); err != nil {
		return ierrors.WithKind(ierrors.Wrap(err, "failed to write to engine stdin"), ierrors.KindEngine)
	}
	return nil
}

func (w *Worker) waitForLocked(token string) error {
	w.stdoutMu.Lock()
	defer w.stdoutMu.Unlock()
	for w.reader.Scan() {
		line := w.reader.Text()
		if line == token || hasPrefixField(line, token) {
			return nil
		}
	}
	if err := w.reader.Err(); err != nil {
		return ierrors.WithKind(ierrors.Wrap(err, "engine stdout read failed"), ierrors.KindEngine)
	}
	return ierrors.WithKind(ierrors.Newf("engine process closed stdout waiting for %q", token), ierrors.KindEngine)
}

func hasPrefixField(line, token string) bool {
	return len(line) >= len(token) && line[:len(token)] == token
}

// SetOption sends "setoption name <name> value <value>".
func (w *Worker) SetOption(name string, value interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLineLocked(fmt.Sprintf("setoption name %s value %v", name, value))
}

// SetMultiPV is a convenience wrapper over SetOption for the one option
// spec §4.1 names explicitly.
func (w *Worker) SetMultiPV(n uint8) error {
	return w.SetOption("MultiPV", strconv.Itoa(int(n)))
}

// SetPositionFEN sends "position fen <fen>".
func (w *Worker) SetPositionFEN(fen string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLineLocked("position fen " + fen)
}

// GoDepth starts a search to a fixed depth (Ready→Searching).
func (w *Worker) GoDepth(depth uint8) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateSearching
	return w.writeLineLocked(fmt.Sprintf("go depth %d", depth))
}

// GoMovetime starts a search bounded by wall-clock milliseconds.
func (w *Worker) GoMovetime(ms uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateSearching
	return w.writeLineLocked(fmt.Sprintf("go movetime %d", ms))
}

// Stop sends "stop", requesting the engine emit its best-move line now.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLineLocked("stop")
}

// ReadLine reads the next line of output, blocking until one arrives,
// ctx is cancelled, or the pipe closes. Readers alone only need the
// stdout mutex (spec §5).
func (w *Worker) ReadLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		w.stdoutMu.Lock()
		defer w.stdoutMu.Unlock()
		if w.reader == nil {
			ch <- result{err: ierrors.WithKind(ierrors.New("engine worker has no reader"), ierrors.KindEngine)}
			return
		}
		if w.reader.Scan() {
			ch <- result{line: w.reader.Text()}
			return
		}
		if err := w.reader.Err(); err != nil {
			ch <- result{err: ierrors.WithKind(ierrors.Wrap(err, "engine stdout read failed"), ierrors.KindEngine)}
			return
		}
		ch <- result{err: ierrors.WithKind(ierrors.New("engine process closed stdout"), ierrors.KindEngine)}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.line, r.err
	}
}

// MarkTerminalBestMoveSeen is invoked by the driver after exactly one
// best-move line is observed, returning the worker to Ready (spec §4.1
// Searching→Ready).
func (w *Worker) MarkTerminalBestMoveSeen() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateSearching {
		w.state = StateReady
	}
}

// EnsureReady restarts the worker if it isn't in Ready state, the way a
// protocol violation (extra best-move line, dangling Searching state)
// triggers a restart on the next ensure-ready (spec §4.1 invariants).
func (w *Worker) EnsureReady(ctx context.Context) error {
	if w.State() == StateReady {
		return nil
	}
	return w.Restart(ctx)
}
