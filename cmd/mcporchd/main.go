package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/prbarcelon/mcporch/internal/config"
	"github.com/prbarcelon/mcporch/internal/logging"
	"github.com/prbarcelon/mcporch/internal/server"
)

type options struct {
	Config  string `short:"c" long:"config" env:"MCPORCH_CONFIG" description:"path to mcporch config"`
	Socket  string `long:"socket" description:"override unix socket path"`
	Events  string `long:"events" description:"override the websocket event feed address"`
	Debug   bool   `long:"debug" description:"debug logging"`
	Version bool   `long:"version" description:"print version"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag)
	parser.Name = "mcporchd"
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.Version {
		fmt.Println("mcporchd dev")
		return
	}
	if opts.Config == "" {
		opts.Config = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrInit(opts.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if opts.Socket != "" {
		cfg.Server.SocketPath = opts.Socket
	}
	if opts.Events != "" {
		cfg.Server.EventsAddr = opts.Events
	}

	log, err := logging.New(cfg.Log, opts.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.New(opts.Config, cfg, log).Run(ctx); err != nil {
		log.Error("server stopped", zap.Error(err))
		stop()
		_ = log.Sync()
		os.Exit(1)
	}
}
