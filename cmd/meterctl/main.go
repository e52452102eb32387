// Command meterctl ingests single readings and queries billed cost directly
// against the configured store.
//
//	meterctl ingest -event '[1234567, "2023-10-12T10:00:00", 200.5]'
//	meterctl cost -meter 1234567 -start 2023-10-12T00:00:00 -end 2023-10-12T23:59:59
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vnmchuo/meter-billing/config"
	"github.com/vnmchuo/meter-billing/internal/billing"
	"github.com/vnmchuo/meter-billing/internal/bootstrap"
	"github.com/vnmchuo/meter-billing/internal/logger"
)

const usage = `usage:
  meterctl ingest -event '[meterId, "YYYY-MM-DDTHH:mm:ss", meterReading]'
  meterctl cost -meter ID -start YYYY-MM-DDTHH:mm:ss -end YYYY-MM-DDTHH:mm:ss`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	zl, err := logger.New(logger.Config{ServiceName: "meterctl", Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()

	switch args[0] {
	case "ingest":
		return runIngest(ctx, cfg, zl, args[1:], stdout, stderr)
	case "cost":
		return runCost(ctx, cfg, zl, args[1:], stdout, stderr)
	default:
		return errUsage
	}
}

func runIngest(ctx context.Context, cfg *config.Config, zl *zap.Logger, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	event := fs.String("event", "", "reading as a JSON triple [meterId, timestamp, meterReading]")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *event == "" {
		return errUsage
	}

	var reading billing.MeterReading
	if err := json.Unmarshal([]byte(*event), &reading); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	store, closeStore, err := bootstrap.OpenStore(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer closeStore()

	rec, err := billing.NewIngestor(store, cfg.Rates, cfg.BillingLocation, zl).Ingest(ctx, reading)
	if err != nil {
		if errors.Is(err, billing.ErrProcessingFailed) {
			fmt.Fprintln(stderr, "Failed to process the event payload. Please try again.")
			return err
		}
		return fmt.Errorf("invalid event: %w", err)
	}

	fmt.Fprintln(stdout, "Smart meter data ingested successfully.")
	return json.NewEncoder(stdout).Encode(rec)
}

func runCost(ctx context.Context, cfg *config.Config, zl *zap.Logger, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("cost", flag.ContinueOnError)
	fs.SetOutput(stderr)
	meterID := fs.Int64("meter", 0, "meter id")
	start := fs.String("start", "", "inclusive range start")
	end := fs.String("end", "", "inclusive range end")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *start == "" || *end == "" {
		return errUsage
	}

	store, closeStore, err := bootstrap.OpenStore(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer closeStore()

	total, err := billing.NewAggregator(store, cfg.AggregatePageSize, cfg.BillingLocation).Aggregate(ctx, *meterID, *start, *end)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%v\n", total)
	return nil
}
