package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"hooktun/internal/config"
	"hooktun/internal/daemon"
	"hooktun/internal/db"
	"hooktun/internal/portalloc"
	"hooktun/internal/session"
)

func main() {
	cfg := config.DefaultConfig()
	configPath := flag.String("config", "", "YAML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for hooktund")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path")
	flag.Parse()

	if *configPath != "" {
		loaded, err := config.Load(*configPath, cfg)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
	}
	// Flags win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "socket":
			cfg.SocketPath = f.Value.String()
		case "db":
			cfg.DBPath = f.Value.String()
		}
	})
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	ports, err := portalloc.New(ctx, store, cfg)
	if err != nil {
		fatal(err)
	}
	injector := session.NewExecInjector(cfg.InjectCommand, cfg.InjectTimeout)
	manager := session.NewManager(cfg, store, ports, injector, log)

	srv := daemon.NewServer(cfg, store, manager, log)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "hooktund: %v\n", err)
	os.Exit(1)
}
