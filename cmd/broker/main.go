package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/arcwire/mqttbroker/broker"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a broker config file")
	flag.Parse()

	var opts *broker.Options
	if *configPath != "" {
		loaded, err := broker.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		opts = loaded
	}

	srv, err := broker.New(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	slog.Info("mqttbroker starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	slog.Info("mqttbroker stopped")
	return 0
}
