package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/nodercif/sensorrelay"
)

func main() {
	flow, err := sensorrelay.Conf("../../config.example.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := flow.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("relay exited: %v", err)
	}
}
