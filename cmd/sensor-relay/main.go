package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nodercif/sensorrelay"
)

const defaultConfigPath = "./config.yaml"

func main() {
	if len(os.Args) < 2 {
		os.Exit(exitCode(runCommand(nil)))
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error

	switch cmd {
	case "run":
		err = runCommand(args)
	case "validate":
		err = validateCommand(args)
	case "stats":
		err = statsCommand(args)
	case "history":
		err = historyCommand(args)
	case "deadletters":
		err = deadLettersCommand(args)
	case "replay":
		err = replayCommand(args)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "sensor-relay %s: %v\n", cmd, err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	if err != nil {
		return 1
	}
	return 0
}

func newFlagSet(name string) (*pflag.FlagSet, *string) {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	cfgPath := flagSet.StringP("config", "c", defaultConfigPath, "path to relay configuration file")
	return flagSet, cfgPath
}

// loadConfig falls back to the built-in defaults when the default config
// file is absent, so a bare install behaves like the stock field unit. An
// explicitly named file must exist.
func loadConfig(flagSet *pflag.FlagSet, path string) (*sensorrelay.Config, error) {
	cfg, err := sensorrelay.LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !flagSet.Changed("config") {
		return sensorrelay.DefaultConfig(), nil
	}
	return nil, err
}

func runCommand(args []string) error {
	flagSet, cfgPath := newFlagSet("run")
	listen := flagSet.String("listen", "", "override relay listen address (host:port)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(flagSet, *cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var opts []sensorrelay.RuntimeOption
	if *listen != "" {
		opts = append(opts, sensorrelay.WithListenAddress(*listen))
	}
	flow, err := sensorrelay.ConfFromConfig(cfg, sensorrelay.WithFlowOptions(opts...))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return flow.Run(ctx)
}

func validateCommand(args []string) error {
	flagSet, cfgPath := newFlagSet("validate")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if _, err := sensorrelay.LoadConfig(*cfgPath); err != nil {
		return err
	}
	fmt.Printf("config %s looks good\n", *cfgPath)
	return nil
}

func historyCommand(args []string) error {
	flagSet, cfgPath := newFlagSet("history")
	limit := flagSet.IntP("limit", "n", 0, "show at most n rows (0 = all)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(flagSet, *cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := sensorrelay.OpenStore(cfg.Store, zap.NewNop())
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rows, err := store.FetchAll(ctx)
	if err != nil {
		return err
	}
	if *limit > 0 && len(rows) > *limit {
		rows = rows[:*limit]
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SENSOR\tTIMESTAMP\tTEMPERATURE\tPRESSURE\tHUMIDITY")
	for _, m := range rows {
		fmt.Fprintf(w, "%d\t%s\t%.2f\t%.2f\t%.2f\n",
			m.SensorID, m.Timestamp.Format(time.RFC3339), m.Temperature, m.Pressure, m.Humidity)
	}
	return w.Flush()
}

func deadLettersCommand(args []string) error {
	flagSet, cfgPath := newFlagSet("deadletters")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(flagSet, *cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	journal, err := openJournal(cfg.DeadLetter)
	if err != nil {
		return err
	}
	defer journal.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRECORDED\tOUTCOME\tSENSOR\tTIMESTAMP\tREASON")
	count := 0
	err = sensorrelay.PendingDeadLetters(journal, func(id sensorrelay.JournalEntryID, dl *sensorrelay.DeadLetter) error {
		count++
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
			id, dl.RecordedAt.Format(time.RFC3339), dl.Outcome, dl.Measurement.SensorID,
			dl.Measurement.Timestamp.Format(time.RFC3339), dl.Reason)
		return nil
	})
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d pending, %d bytes on disk\n", count, journal.Stats().SizeBytes)
	return nil
}

func replayCommand(args []string) error {
	flagSet, cfgPath := newFlagSet("replay")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(flagSet, *cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	journal, err := openJournal(cfg.DeadLetter)
	if err != nil {
		return err
	}
	defer journal.Close()

	store, err := sensorrelay.OpenStore(cfg.Store, zap.NewNop())
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	report, err := sensorrelay.ReplayDeadLetters(ctx, journal, store, cfg.Store.WriteTimeout)
	fmt.Printf("reinserted=%d skipped=%d last_committed=%d\n", report.Reinserted, report.Skipped, report.LastCommitted)
	return err
}

func openJournal(cfg sensorrelay.DeadLetterConfig) (sensorrelay.Journal, error) {
	journal, err := sensorrelay.OpenJournal(cfg)
	if errors.Is(err, sensorrelay.ErrJournalLocked) {
		return nil, fmt.Errorf("%w; stop the running relay before inspecting or replaying %s", err, cfg.Dir)
	}
	return journal, err
}

func statsCommand(args []string) error {
	flagSet := pflag.NewFlagSet("stats", pflag.ContinueOnError)
	url := flagSet.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := flagSet.Duration("interval", 2*time.Second, "refresh interval")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(ctx, *url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

var statsSeries = []string{
	"sensorrelay_connections_total",
	"sensorrelay_active_connections",
	"sensorrelay_frames_forwarded_total",
	"sensorrelay_frames_rejected_total",
	"sensorrelay_sink_failures_total",
	"sensorrelay_deadletter_size_bytes",
}

func printMetricsSnapshot(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	totals := make(map[string]float64, len(statsSeries))
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		name, value, ok := parseSample(scanner.Text())
		if !ok {
			continue
		}
		for _, series := range statsSeries {
			if name == series {
				totals[name] += value
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("[%s] conns=%g active=%g forwarded=%g rejected=%g sink_failures=%g deadletter_bytes=%g\n",
		time.Now().Format(time.RFC3339),
		totals[statsSeries[0]], totals[statsSeries[1]], totals[statsSeries[2]],
		totals[statsSeries[3]], totals[statsSeries[4]], totals[statsSeries[5]],
	)
	return nil
}

// parseSample splits a text-exposition line into its metric name and value.
// Labelled series are returned under the bare name so callers can sum them.
func parseSample(line string) (string, float64, bool) {
	if line == "" || strings.HasPrefix(line, "#") {
		return "", 0, false
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", 0, false
	}
	name := fields[0]
	if i := strings.IndexByte(line, '{'); i >= 0 {
		end := strings.LastIndexByte(line, '}')
		if end < i {
			return "", 0, false
		}
		name = line[:i]
		fields = strings.Fields(line[end+1:])
		if len(fields) == 0 {
			return "", 0, false
		}
	} else {
		fields = fields[1:]
	}
	value, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, value, true
}

func printUsage() {
	fmt.Printf(`sensor-relay

Usage:
  sensor-relay <command> [flags]

Commands:
  run          Start the relay (default when no command is given)
  validate     Load and validate a config file without starting the relay
  stats        Poll the Prometheus metrics endpoint and print live counters
  history      Print every stored measurement, newest first
  deadletters  List dead letters waiting for replay
  replay       Re-insert pending dead letters into the store

Examples:
  sensor-relay run --config ./config.yaml
  sensor-relay validate -c ./config.yaml
  sensor-relay history -n 20
  sensor-relay stats --url http://localhost:9100/metrics --interval 1s
`)
}
