package service_test

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cepharum/actord/internal/model"
	"github.com/cepharum/actord/internal/service"
	"github.com/stretchr/testify/require"
)

func newInvoker(t *testing.T, attachTimeout time.Duration) (*service.Invoker, *recorder) {
	t.Helper()
	var sink recorder
	inv := service.NewInvoker(t.Context(), service.Options{
		AttachTimeout: attachTimeout,
		KillGrace:     time.Second,
		Sink: func(_ context.Context, key string) service.Sink {
			return &sink
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, inv.Shutdown(ctx))
	})
	return inv, &sink
}

func released(t *testing.T, inv *service.Invoker, key string) {
	t.Helper()
	require.Eventually(t, func() bool { return !inv.Busy(key) }, 10*time.Second, 10*time.Millisecond)
}

func TestInvoke_Attached(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	inv, sink := newInvoker(t, 5*time.Second)

	res, err := inv.Invoke(t.Context(), "hello", script(sh, "echo hi"))
	require.NoError(t, err)
	require.False(t, res.Detached)
	require.NotNil(t, res.ExitCode)
	require.Equal(t, 0, *res.ExitCode)
	require.Equal(t, []model.Chunk{chunk(model.Stdout, "hi\n")}, res.Output)

	// released before Invoke returned
	require.False(t, inv.Busy("hello"))
	require.Empty(t, sink.Chunks())
}

func TestInvoke_Detached(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	inv, sink := newInvoker(t, 100*time.Millisecond)

	cmd := script(sh, "echo before; sleep 0.5; echo after; echo err 1>&2")
	start := time.Now()
	res, err := inv.Invoke(t.Context(), "deploy", cmd)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 400*time.Millisecond)
	require.Equal(t, model.DetachedResult(), res)
	require.Nil(t, res.ExitCode)
	require.Empty(t, res.Output)

	// the lock models the running process, not the response
	require.True(t, inv.Busy("deploy"))
	_, err = inv.Invoke(t.Context(), "deploy", cmd)
	require.ErrorIs(t, err, model.ErrActorBusy)

	released(t, inv, "deploy")
	chunks := sink.Chunks()
	require.Equal(t, "before\nafter\n", text(chunks, model.Stdout))
	require.Equal(t, "err\n", text(chunks, model.Stderr))
}

func TestInvoke_DetachedSleep(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	inv, sink := newInvoker(t, 200*time.Millisecond)

	res, err := inv.Invoke(t.Context(), "sleeper", script(sh, "sleep 1"))
	require.NoError(t, err)
	require.True(t, res.Detached)
	require.Nil(t, res.ExitCode)
	require.Equal(t, []model.Chunk{}, res.Output)

	released(t, inv, "sleeper")
	require.Empty(t, sink.Chunks())
}

func TestInvoke_Busy(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	inv, _ := newInvoker(t, 5*time.Second)

	var wg sync.WaitGroup
	var first model.Result
	var firstErr error
	wg.Go(func() {
		first, firstErr = inv.Invoke(context.Background(), "deploy", script(sh, "sleep 0.5; echo done"))
	})
	require.Eventually(t, func() bool { return inv.Busy("deploy") }, 5*time.Second, time.Millisecond)

	start := time.Now()
	_, err := inv.Invoke(t.Context(), "deploy", script(sh, "echo second"))
	require.ErrorIs(t, err, model.ErrActorBusy)
	// fails fast, never queued
	require.Less(t, time.Since(start), 100*time.Millisecond)

	// other actors are not affected
	res, err := inv.Invoke(t.Context(), "other", script(sh, "echo other"))
	require.NoError(t, err)
	require.Equal(t, "other\n", text(res.Output, model.Stdout))

	wg.Wait()
	require.NoError(t, firstErr)
	require.False(t, first.Detached)
	require.Equal(t, "done\n", text(first.Output, model.Stdout))
	require.False(t, inv.Busy("deploy"))
}

func TestInvoke_SpawnError(t *testing.T) {
	t.Parallel()
	inv, sink := newInvoker(t, 5*time.Second)

	_, err := inv.Invoke(t.Context(), "broken", service.Command{Path: "/does/not/exist"})
	var spawnErr *model.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	require.False(t, inv.Busy("broken"))
	require.Empty(t, sink.Chunks())
}

func TestInvoke_InvalidKey(t *testing.T) {
	t.Parallel()
	inv, _ := newInvoker(t, 5*time.Second)
	_, err := inv.Invoke(t.Context(), "", service.Command{Path: "true"})
	require.ErrorIs(t, err, model.ErrInvalidRequest)
}

// output produced before and after the switch must add up to what the
// script wrote, each byte exactly once
func TestInvoke_Reconstruct(t *testing.T) {
	t.Parallel()
	sh := shell(t)

	const body = `i=0; while [ $i -lt 40 ]; do echo "out $i"; echo "err $i" 1>&2; i=$((i+1)); sleep 0.01; done`
	var wantOut, wantErr strings.Builder
	for i := range 40 {
		wantOut.WriteString("out " + strconv.Itoa(i) + "\n")
		wantErr.WriteString("err " + strconv.Itoa(i) + "\n")
	}

	for _, timeout := range []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 10 * time.Second} {
		t.Run(timeout.String(), func(t *testing.T) {
			t.Parallel()
			inv, sink := newInvoker(t, timeout)
			res, err := inv.Invoke(t.Context(), "counter", script(sh, body))
			require.NoError(t, err)
			released(t, inv, "counter")

			all := append(res.Output, sink.Chunks()...)
			require.Equal(t, wantOut.String(), text(all, model.Stdout))
			require.Equal(t, wantErr.String(), text(all, model.Stderr))
			if res.Detached {
				require.Empty(t, res.Output)
			} else {
				require.Empty(t, sink.Chunks())
			}
		})
	}
}

func TestInvoke_AttachedOnly(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	inv, _ := newInvoker(t, 0)

	res, err := inv.Invoke(t.Context(), "app", script(sh, "sleep 0.3; echo done"))
	require.NoError(t, err)
	require.False(t, res.Detached)
	require.Equal(t, "done\n", text(res.Output, model.Stdout))
}

func TestInvoke_CallerGone(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	inv, sink := newInvoker(t, 0)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	t.Cleanup(cancel)
	_, err := inv.Invoke(ctx, "app", script(sh, "sleep 0.5; echo done"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, inv.Busy("app"))

	// the script carries on with its output logged
	released(t, inv, "app")
	require.Equal(t, "done\n", text(sink.Chunks(), model.Stdout))
}

func TestShutdown(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	inv := service.NewInvoker(t.Context(), service.Options{
		AttachTimeout: 50 * time.Millisecond,
		KillGrace:     time.Second,
	})

	res, err := inv.Invoke(t.Context(), "forever", script(sh, "exec sleep 30"))
	require.NoError(t, err)
	require.True(t, res.Detached)

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	t.Cleanup(cancel)
	start := time.Now()
	err = inv.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
	require.False(t, inv.Busy("forever"))

	_, err = inv.Invoke(t.Context(), "forever", script(sh, "true"))
	require.ErrorIs(t, err, service.ErrShuttingDown)
}

func TestShutdown_WaitsForAttached(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	inv, sink := newInvoker(t, 200*time.Millisecond)

	var wg sync.WaitGroup
	var res model.Result
	var err error
	wg.Go(func() {
		res, err = inv.Invoke(context.Background(), "deploy", script(sh, "sleep 0.5; echo done"))
	})
	require.Eventually(t, func() bool { return inv.Busy("deploy") }, 5*time.Second, time.Millisecond)

	// still attached, it detaches while Shutdown is waiting
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, inv.Shutdown(ctx))
	require.False(t, inv.Busy("deploy"))
	require.Equal(t, "done\n", text(sink.Chunks(), model.Stdout))

	wg.Wait()
	require.NoError(t, err)
	require.True(t, res.Detached)

	_, err = inv.Invoke(t.Context(), "other", script(sh, "true"))
	require.ErrorIs(t, err, service.ErrShuttingDown)
}
