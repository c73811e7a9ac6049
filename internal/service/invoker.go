package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cepharum/actord/internal/log"
	"github.com/cepharum/actord/internal/model"
	"github.com/cepharum/actord/internal/parallel"
)

// DefaultAttachTimeout is how long a caller waits for a script before
// getting a detached acknowledgment.
const DefaultAttachTimeout = 3 * time.Second

var ErrShuttingDown = errors.New("service is shutting down")

// SinkFactory returns the sink receiving output of a detached run of actor key.
type SinkFactory func(ctx context.Context, key string) Sink

type Options struct {
	// AttachTimeout bounds how long Invoke waits for a script. Zero or
	// negative disables detaching: Invoke always waits for completion.
	AttachTimeout time.Duration
	KillGrace     time.Duration
	Sink          SinkFactory
}

// Invoker runs actor scripts, at most one per actor at a time. Scripts
// finishing within the attach timeout are reported with their full output;
// longer ones are detached: the caller is answered right away and the output
// goes to the sink until the script ends.
type Invoker struct {
	ctx    context.Context // bounds the lifetime of all scripts
	cancel context.CancelFunc
	opts   Options
	locks  *Locks
	start  func(ctx context.Context, cmd Command, out *Output) (*Run, error)

	mx      sync.Mutex
	closing bool
	wg      sync.WaitGroup // one per held lock
}

func NewInvoker(ctx context.Context, opts Options) *Invoker {
	if opts.Sink == nil {
		opts.Sink = func(ctx context.Context, key string) Sink {
			return log.NewOutputSink(ctx, key)
		}
	}
	// scripts outlive the requests, so only Shutdown stops them
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Invoker{
		ctx:    ctx,
		cancel: cancel,
		opts:   opts,
		locks:  NewLocks(),
		start:  Start,
	}
}

// Invoke runs cmd on behalf of actor key. It returns model.ErrActorBusy if a
// script of key is still running, and the script's error if it failed before
// the attach timeout. If ctx is done before the script completes, the run is
// detached as on timeout and ctx.Err() is returned.
func (i *Invoker) Invoke(ctx context.Context, key string, cmd Command) (model.Result, error) {
	if key == "" {
		return model.Result{}, model.ErrInvalidRequest
	}
	if err := i.acquire(key); err != nil {
		if errors.Is(err, model.ErrActorBusy) {
			slog.WarnContext(ctx, "actor is locked", "actor", key)
		}
		return model.Result{}, err
	}

	ctx = log.ContextAttrs(ctx,
		slog.String("actor", key),
		slog.String("run_id", uuid.NewString()),
	)
	if cmd.KillGrace == 0 {
		cmd.KillGrace = i.opts.KillGrace
	}

	out := NewOutput()
	run, err := i.start(i.ctx, cmd, out)
	if err != nil {
		i.release(key)
		slog.ErrorContext(ctx, "script failed to start", "path", cmd.Path, "error", err)
		return model.Result{}, err
	}
	slog.DebugContext(ctx, "script started", "path", cmd.Path, "pid", run.PID())

	done := parallel.Go(run.Wait)
	var timer *parallel.Future[model.Result]
	stopTimer := func() bool { return false }
	if i.opts.AttachTimeout > 0 {
		timer, stopTimer = parallel.After(i.opts.AttachTimeout, model.DetachedResult())
	}

	winner, raceErr := parallel.Race(ctx, done, timer)
	stopTimer()
	if winner != 0 {
		// the run may have settled just as the timer fired
		select {
		case <-done.Done():
			winner, raceErr = 0, nil
		default:
		}
	}
	if winner == 0 {
		res, err := done.Get()
		i.settle(ctx, key, cmd, run, res, err, nil)
		if err != nil {
			return model.Result{}, err
		}
		return res, nil
	}

	bgCtx := context.WithoutCancel(ctx)
	sink := i.opts.Sink(bgCtx, key)
	out.Stream(sink)
	slog.InfoContext(ctx, "detaching action", "path", cmd.Path, "pid", run.PID())

	go func() {
		res, err := done.Get()
		i.settle(bgCtx, key, cmd, run, res, err, sink)
	}()

	if raceErr != nil {
		return model.Result{}, raceErr
	}
	return model.DetachedResult(), nil
}

// acquire takes the lock of key and counts it as pending for Shutdown.
func (i *Invoker) acquire(key string) error {
	i.mx.Lock()
	defer i.mx.Unlock()
	if i.closing {
		return ErrShuttingDown
	}
	if !i.locks.TryAcquire(key) {
		return model.ErrActorBusy
	}
	i.wg.Add(1)
	return nil
}

func (i *Invoker) release(key string) {
	i.locks.Release(key)
	i.wg.Done()
}

// settle finishes a run: output left over in a detached run goes to sink,
// the outcome is logged and the actor lock released.
func (i *Invoker) settle(ctx context.Context, key string, cmd Command, run *Run, res model.Result, err error, sink Sink) {
	defer i.release(key)

	detached := sink != nil
	if detached {
		for _, chunk := range res.Output {
			sink.Emit(chunk)
		}
	}

	msg := "script"
	if detached {
		msg += " eventually"
	}
	attrs := []any{"path", cmd.Path, "state", run.State().String(), "duration", run.Duration()}
	if err != nil {
		slog.ErrorContext(ctx, msg+" failed", append(attrs, "error", err)...)
		return
	}
	if res.ExitCode == nil {
		slog.WarnContext(ctx, msg+" was terminated by a signal", attrs...)
		return
	}
	slog.InfoContext(ctx, msg+" exited", append(attrs, "exit_code", *res.ExitCode)...)
}

// Busy reports whether a script of key is running.
func (i *Invoker) Busy(key string) bool {
	return i.locks.Held(key)
}

// Shutdown rejects further invocations and waits for running scripts,
// attached or detached, to finish. Once ctx is done the remaining ones are
// terminated and waited for; ctx.Err() is returned then.
func (i *Invoker) Shutdown(ctx context.Context) error {
	i.mx.Lock()
	i.closing = true
	i.mx.Unlock()

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		i.cancel()
		return nil
	case <-ctx.Done():
		slog.WarnContext(ctx, "terminating detached scripts")
		i.cancel()
		<-done
		return ctx.Err()
	}
}
