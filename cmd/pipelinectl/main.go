package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kirillkom/archive-pipeline/internal/bootstrap"
	"github.com/kirillkom/archive-pipeline/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(func(ctx context.Context) (*backend, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		app, err := bootstrap.New(ctx, cfg, "pipelinectl")
		if err != nil {
			return nil, err
		}
		return &backend{ops: app.Operations, docs: app.Repo, close: app.Close}, nil
	})
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
