package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/majorsoln/bos/internal/kernelconfig"
	"github.com/majorsoln/bos/internal/obslog"
)

func main() {
	cfg, err := kernelconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bosd: load config: %v\n", err)
		os.Exit(1)
	}

	if err := obslog.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		fmt.Fprintf(os.Stderr, "bosd: init logger: %v\n", err)
		os.Exit(1)
	}
	defer obslog.Sync()
	log := obslog.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg)
	if err != nil {
		log.Sugar().Fatalf("bosd: initialise: %v", err)
	}

	log.Sugar().Infof("bosd starting, database.mode=%s metrics_port=%d", cfg.Database.Mode, cfg.Server.MetricsPort)

	runErr := app.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Sugar().Errorf("bosd: shutdown: %v", err)
	}

	if runErr != nil {
		log.Sugar().Fatalf("bosd: run: %v", runErr)
	}
}
