package main

import (
	"bufio"
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/park285/relaychess/internal/app"
	appcfg "github.com/park285/relaychess/internal/config"
	"github.com/park285/relaychess/internal/obslog"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := obslog.Init(cfg.Log)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("app_init_failed", zap.Error(err))
	}
	defer func() { _ = deps.Close(context.Background()) }()

	c := newCLI(deps.Service, deps.Catalog, cfg, os.Stdout, logger)
	defer c.stopAll()

	g, gctx := errgroup.WithContext(ctx)
	if deps.Serving() {
		g.Go(func() error { return deps.Serve(gctx) })
	}
	g.Go(func() error {
		defer stop()
		return c.run(gctx, bufio.NewScanner(os.Stdin))
	})
	if err := g.Wait(); err != nil {
		logger.Error("relaychess_exit", zap.Error(err))
	}
}
