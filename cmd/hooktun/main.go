package main

import (
	"context"
	"os"

	"hooktun/internal/cli"
	"hooktun/internal/config"
)

func main() {
	cfg := config.DefaultConfig()
	r := cli.NewRunner(cfg.SocketPath, os.Stdout, os.Stderr)
	os.Exit(r.Run(context.Background(), os.Args[1:]))
}
