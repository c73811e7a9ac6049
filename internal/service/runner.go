package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cepharum/actord/internal/model"
)

// DefaultKillGrace is the time a terminated script gets before it is killed.
const DefaultKillGrace = 5 * time.Second

const readSize = 32 * 1024

type State int32

const (
	StateStarting State = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

type Command struct {
	Path      string
	Args      []string
	Env       []string // added to the environment of the daemon
	Dir       string
	KillGrace time.Duration
}

// Run supervises a single script execution. It is completed once the process
// exited AND both its stdout and stderr reached EOF; output written by
// children of the script after it exited is waited for as well.
type Run struct {
	cmd     *exec.Cmd
	out     *Output
	grace   time.Duration
	streams [2]io.Closer

	state    atomic.Int32
	exitCode *int
	started  time.Time
	stopped  time.Time

	mx        sync.Mutex
	killTimer *time.Timer
	closeOnce sync.Once

	done   chan struct{}
	result model.Result
	err    error
}

// Start launches proto and wires its output into out. Errors returned here
// mean the process never ran; everything happening later is reported by
// Wait. Cancelling ctx terminates the process.
func Start(ctx context.Context, proto Command, out *Output) (*Run, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &model.SpawnError{Path: proto.Path, Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, &model.SpawnError{Path: proto.Path, Err: err}
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	if len(proto.Env) > 0 {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	// the child owns its copies of the write ends now
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdoutR, stderrR)
		return nil, &model.SpawnError{Path: proto.Path, Err: err}
	}

	grace := proto.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	return supervise(ctx, cmd, out, grace, stdoutR, stderrR), nil
}

// supervise tracks an already started cmd whose output is read from stdout
// and stderr.
func supervise(ctx context.Context, cmd *exec.Cmd, out *Output, grace time.Duration, stdout, stderr io.ReadCloser) *Run {
	r := &Run{
		cmd:     cmd,
		out:     out,
		grace:   grace,
		streams: [2]io.Closer{stdout, stderr},
		started: time.Now().UTC(),
		done:    make(chan struct{}),
	}
	r.state.Store(int32(StateRunning))
	stop := context.AfterFunc(ctx, r.terminate)
	go r.wait(stop, stdout, stderr)
	return r
}

func (r *Run) wait(stopCtx func() bool, stdout, stderr io.Reader) {
	var g errgroup.Group
	g.Go(r.waitExit)
	g.Go(func() error { return r.pump(model.Stdout, stdout) })
	g.Go(func() error { return r.pump(model.Stderr, stderr) })
	err := g.Wait()

	stopCtx()
	r.mx.Lock()
	if r.killTimer != nil {
		r.killTimer.Stop()
	}
	r.mx.Unlock()
	r.closeStreams()

	r.stopped = time.Now().UTC()
	r.result = model.Result{
		ExitCode: r.exitCode,
		Output:   r.out.Drain(),
	}
	if err != nil {
		r.err = err
		msg := err.Error()
		r.result.Error = &msg
		r.state.Store(int32(StateFailed))
	} else {
		r.state.Store(int32(StateCompleted))
	}
	close(r.done)
}

func (r *Run) waitExit() error {
	err := r.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		r.fail()
		return fmt.Errorf("waiting for %s: %w", r.cmd.Path, err)
	}
	// -1 means the process was killed by a signal
	if code := r.cmd.ProcessState.ExitCode(); code >= 0 {
		r.exitCode = &code
	}
	return nil
}

func (r *Run) pump(stream model.Stream, rd io.Reader) error {
	buf := make([]byte, readSize)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			r.out.Append(model.Chunk{Stream: stream, Data: bytes.Clone(buf[:n])})
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			r.fail()
			return &model.StreamError{Stream: stream, Err: err}
		}
	}
}

// fail terminates the process and unblocks the readers. The run completes
// once the process actually exited.
func (r *Run) fail() {
	r.terminate()
	r.closeStreams()
}

// terminate sends SIGTERM and kills the process if it's still around after
// the grace period.
func (r *Run) terminate() {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.killTimer != nil {
		return
	}
	_ = signalProcess(r.cmd.Process, syscall.SIGTERM)
	r.killTimer = time.AfterFunc(r.grace, func() {
		_ = signalProcess(r.cmd.Process, os.Kill)
		// children of the script may still hold the pipes
		r.closeStreams()
	})
}

func (r *Run) closeStreams() {
	r.closeOnce.Do(func() {
		for _, c := range r.streams {
			_ = c.Close()
		}
	})
}

// Wait blocks until the run is completed or failed. The result carries the
// exit code and whatever output is still buffered.
func (r *Run) Wait() (model.Result, error) {
	<-r.done
	return r.result, r.err
}

// Done returns a channel closed when the run is over.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

func (r *Run) State() State {
	return State(r.state.Load())
}

// PID returns the process id of the script.
func (r *Run) PID() int {
	if r.cmd.Process == nil {
		return -1
	}
	return r.cmd.Process.Pid
}

// Duration is the wall time of a finished run, or zero while running.
func (r *Run) Duration() time.Duration {
	select {
	case <-r.done:
		return r.stopped.Sub(r.started)
	default:
		return 0
	}
}

// signalProcess sends sig to a process, returning nil if the process
// has already exited.
func signalProcess(proc *os.Process, sig os.Signal) error {
	if proc == nil {
		return nil
	}
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
