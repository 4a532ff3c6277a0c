package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/nodercif/sensorrelay"
)

// Fans verified measurements out to a worker goroutine through a channel
// store. Insert blocks until the worker receives, so a slow worker shows up
// as store latency and, past store.write_timeout, as dead letters.
func main() {
	flow, err := sensorrelay.Conf("../../config.example.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, measurements, closeStore := sensorrelay.NewChannelStore("fanout", 32)
	defer closeStore()

	go fanoutWorker("ingest", measurements)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := flow.Options(sensorrelay.WithStore(store)).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("relay exited: %v", err)
	}
}

func fanoutWorker(name string, measurements <-chan sensorrelay.Measurement) {
	for m := range measurements {
		fmt.Printf("[%s] sensor %d at %s received %s\n",
			name, m.SensorID, m.Timestamp.Format(time.RFC3339), time.Now().Format(time.RFC3339))
	}
}
