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

// Prints every verified measurement instead of writing it to a database.
// The OPC UA endpoint is still used for the live values.
func main() {
	cfg := sensorrelay.DefaultConfig()
	cfg.DeadLetter.Disabled = true

	store := sensorrelay.NewCallbackStore("stdout", func(_ context.Context, m sensorrelay.Measurement) error {
		fmt.Printf("%s sensor=%d temp=%.2f humidity=%.2f pressure=%.2f\n",
			m.Timestamp.Format(time.RFC3339),
			m.SensorID,
			m.Temperature,
			m.Humidity,
			m.Pressure,
		)
		return nil
	})

	flow, err := sensorrelay.ConfFromConfig(cfg, sensorrelay.WithFlowOptions(sensorrelay.WithStore(store)))
	if err != nil {
		log.Fatalf("configure relay: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := flow.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("relay exited: %v", err)
	}
}
