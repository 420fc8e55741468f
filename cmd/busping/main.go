package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"busping/internal/cli"
	"busping/internal/config"
	"busping/internal/storage"
	logx "busping/pkg/logx"
)

func main() {
	fs := flag.NewFlagSet("busping", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to config yaml")
	verbose := fs.Bool("v", false, "log debug output to stderr")
	_ = fs.Parse(os.Args[1:])

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *cfgPath, *verbose, fs.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, cli.ErrUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string, verbose bool, args []string) error {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return err
	}
	level := "WARN"
	if verbose {
		level = "DEBUG"
	}
	log := logx.NewConsole(level)

	sc, err := cli.LocalStorage(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return err
	}
	defer store.Close()

	cfgm.SetLogger(log)
	app, err := cli.NewApp(cfg, store, log, cli.WithConfigManager(cfgm))
	if err != nil {
		return err
	}
	return app.Run(ctx, args)
}
