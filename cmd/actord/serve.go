package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cepharum/actord/internal/actor"
	"github.com/cepharum/actord/internal/api"
	"github.com/cepharum/actord/internal/log"
	"github.com/cepharum/actord/internal/service"

	"github.com/spf13/cobra"
)

func doServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("actord",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	attach, err := config.Actors.AttachTimeoutDuration()
	if err != nil {
		return fmt.Errorf("actors.attach_timeout: %w", err)
	}
	grace, err := config.Actors.KillGraceDuration()
	if err != nil {
		return fmt.Errorf("actors.kill_grace: %w", err)
	}
	shutdown, err := config.Service.ShutdownTimeoutDuration()
	if err != nil {
		return fmt.Errorf("service.shutdown_timeout: %w", err)
	}
	env := config.Actors.Environ()

	srv := api.NewServer()
	var invokers []*service.Invoker

	actors, err := actor.NewRegistry(resolveDir(config.Actors.Dir), env)
	if err != nil {
		return err
	}
	defer func() {
		_ = actors.Close()
	}()
	inv := service.NewInvoker(ctx, service.Options{AttachTimeout: attach, KillGrace: grace})
	invokers = append(invokers, inv)
	srv.Mount(api.ActorPrefix, actors, inv)
	slog.InfoContext(ctx, "serving actors", "prefix", api.ActorPrefix, "dir", actors.Dir())

	if config.Registry != nil {
		apps, err := actor.NewRegistry(resolveDir(config.Registry.Dir), env)
		if err != nil {
			return err
		}
		defer func() {
			_ = apps.Close()
		}()
		// applications never detach
		inv := service.NewInvoker(ctx, service.Options{KillGrace: grace})
		invokers = append(invokers, inv)
		srv.Mount(api.ApplicationPrefix, apps, inv)
		slog.InfoContext(ctx, "serving applications", "prefix", api.ApplicationPrefix, "dir", apps.Dir())
	}

	ln, err := net.Listen("tcp", config.Service.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", config.Service.Listen, err)
	}
	httpSrv := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		// in-flight requests survive the signal until Shutdown gives up
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	slog.InfoContext(ctx, "listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})

	<-gctx.Done()
	slog.InfoContext(ctx, "shutting down", "timeout", shutdown)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdown)
	defer cancel()
	err = httpSrv.Shutdown(sctx)
	for _, inv := range invokers {
		err = errors.Join(err, inv.Shutdown(sctx))
	}
	return errors.Join(err, g.Wait())
}

// resolveDir makes relative directories relative to the config file.
func resolveDir(dir string) string {
	if filepath.IsAbs(dir) || configPath == "" {
		return dir
	}
	return filepath.Join(filepath.Dir(configPath), dir)
}
