package api_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/cepharum/actord/internal/actor"
	"github.com/cepharum/actord/internal/api"
	"github.com/cepharum/actord/internal/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	marker string
	inv    *service.Invoker
	srv    *httptest.Server
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	dir := t.TempDir()
	actorScript(t, dir, "hello", "#!/bin/sh\necho hi\n", 0o755)
	actorScript(t, dir, "marker", "#!/bin/sh\ntouch \"$MARKER\"\n", 0o755)
	actorScript(t, dir, "slow", "#!/bin/sh\nsleep 1\n", 0o755)
	actorScript(t, dir, "noexec", "#!/bin/sh\n", 0o644)
	actorScript(t, dir, "badinterp", "#!/does/not/exist\n", 0o755)

	marker := filepath.Join(t.TempDir(), "marker")
	reg, err := actor.NewRegistry(dir, []string{"MARKER=" + marker})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	inv := service.NewInvoker(context.Background(), service.Options{
		AttachTimeout: 200 * time.Millisecond,
		KillGrace:     time.Second,
	})
	s := api.NewServer()
	s.Mount(api.ActorPrefix, reg, inv)
	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, inv.Shutdown(ctx))
	})
	return fixture{marker: marker, inv: inv, srv: srv}
}

func actorScript(t *testing.T, dir, name, script string, perm os.FileMode) {
	t.Helper()
	folder := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(folder, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(folder, actor.TokenFile), []byte("token-"+name+"\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(folder, actor.ScriptFile), []byte(script), perm))
}

func call(t *testing.T, f fixture, method, path string) (int, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, f.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestTrigger(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		code, body := call(t, f, method, "/api/actor/hello/token-hello")
		require.Equal(t, http.StatusOK, code)
		require.JSONEq(t, `{
			"exitCode": 0,
			"output": [{"channel": "stdout", "text": "hi\n"}],
			"error": null,
			"detached": false
		}`, body)
	}
}

func TestTrigger_Detached(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, body := call(t, f, http.MethodPost, "/api/actor/slow/token-slow")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"exitCode": null, "output": [], "error": null, "detached": true}`, body)

	code, body = call(t, f, http.MethodPost, "/api/actor/slow/token-slow")
	require.Equal(t, http.StatusLocked, code)
	require.JSONEq(t, `{"error": "request failed: actor is locked currently"}`, body)

	require.Eventually(t, func() bool { return !f.inv.Busy("slow") }, 10*time.Second, 10*time.Millisecond)
}

func TestTrigger_Unauthorized(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, body := call(t, f, http.MethodPost, "/api/actor/marker/wrong")
	require.Equal(t, http.StatusForbidden, code)
	require.JSONEq(t, `{"error": "request failed: invalid token"}`, body)

	// no process has been started and no lock taken
	require.False(t, f.inv.Busy("marker"))
	_, err := os.Stat(f.marker)
	require.ErrorIs(t, err, os.ErrNotExist)

	code, _ = call(t, f, http.MethodPost, "/api/actor/marker/token-marker")
	require.Equal(t, http.StatusOK, code)
	_, err = os.Stat(f.marker)
	require.NoError(t, err)
}

func TestTrigger_Errors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var testCases = []struct {
		scenario string
		path     string
		code     int
		body     string
	}{
		{"unknown actor", "/api/actor/nobody/token", http.StatusNotFound, `{"error": "request failed: invalid actor setup"}`},
		{"not executable", "/api/actor/noexec/token-noexec", http.StatusBadRequest, `{"error": "request failed: actor script is not an executable file"}`},
		{"missing token", "/api/actor/hello", http.StatusBadRequest, `{"error": "invalid or missing parameters"}`},
		{"too long", "/api/actor/hello/token-hello/x", http.StatusBadRequest, `{"error": "invalid or missing parameters"}`},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			code, body := call(t, f, http.MethodGet, tt.path)
			require.Equal(t, tt.code, code)
			require.JSONEq(t, tt.body, body)
		})
	}

	t.Run("spawn error", func(t *testing.T) {
		code, _ := call(t, f, http.MethodGet, "/api/actor/badinterp/token-badinterp")
		require.Equal(t, http.StatusInternalServerError, code)
		require.False(t, f.inv.Busy("badinterp"))
	})
}
