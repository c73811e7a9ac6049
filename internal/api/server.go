// Package api exposes actors over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cepharum/actord/internal/log"
	"github.com/cepharum/actord/internal/model"
	"github.com/cepharum/actord/internal/service"
)

const (
	ActorPrefix       = "/api/actor"
	ApplicationPrefix = "/api/application"
)

// Resolver authorizes callers and maps actor names to commands.
type Resolver interface {
	Authorize(name, token string) error
	Resolve(name string) (service.Command, error)
}

type Invoker interface {
	Invoke(ctx context.Context, key string, cmd service.Command) (model.Result, error)
}

type Server struct {
	mux *http.ServeMux
}

func NewServer() *Server {
	return &Server{mux: http.NewServeMux()}
}

// Mount serves actors of reg under prefix/{name}/{token}. Any other path
// below prefix is answered with 400.
func (s *Server) Mount(prefix string, reg Resolver, inv Invoker) {
	s.mux.Handle(prefix+"/{name}/{token}", trigger(reg, inv))
	s.mux.HandleFunc(prefix+"/", func(w http.ResponseWriter, r *http.Request) {
		writeError(r.Context(), w, model.ErrInvalidRequest)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func trigger(reg Resolver, inv Invoker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, token := r.PathValue("name"), r.PathValue("token")
		ctx := log.ContextAttrs(r.Context(),
			slog.String("remote", r.RemoteAddr),
			slog.String("path", r.URL.Path),
		)
		if name == "" || token == "" {
			writeError(ctx, w, model.ErrInvalidRequest)
			return
		}

		if err := reg.Authorize(name, token); err != nil {
			writeError(ctx, w, err)
			return
		}
		cmd, err := reg.Resolve(name)
		if err != nil {
			writeError(ctx, w, err)
			return
		}

		slog.InfoContext(ctx, "request for action", "actor", name, "script", cmd.Path)
		res, err := inv.Invoke(ctx, name, cmd)
		if err != nil {
			writeError(ctx, w, err)
			return
		}
		writeJSON(ctx, w, http.StatusOK, res)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// Status maps an error to the HTTP status code and the message shown to the
// caller. Lookup failures are reported without any filesystem details.
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrInvalidRequest):
		return http.StatusBadRequest, model.ErrInvalidRequest.Error()
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden, "request failed: " + model.ErrUnauthorized.Error()
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrInvalidSetup):
		return http.StatusNotFound, "request failed: " + model.ErrInvalidSetup.Error()
	case errors.Is(err, model.ErrNotAFile):
		return http.StatusBadRequest, "request failed: " + model.ErrNotAFile.Error()
	case errors.Is(err, model.ErrActorBusy):
		return http.StatusLocked, "request failed: " + model.ErrActorBusy.Error()
	case errors.Is(err, service.ErrShuttingDown),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request failed: " + err.Error()
	default:
		return http.StatusInternalServerError, "request failed: " + err.Error()
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	code, msg := Status(err)
	level := slog.LevelWarn
	if code >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.Log(ctx, level, "request failed", "status", code, "error", err)
	writeJSON(ctx, w, code, errorResponse{Error: msg})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.DebugContext(ctx, "writing response", "error", err)
	}
}
