package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/narwhalmedia/backbone/pkg/backbone"
	"github.com/narwhalmedia/backbone/pkg/config"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to the YAML configuration file")
		q          query
	)
	flag.StringVar(&q.Source, "source", "", "Newest records published by this source")
	flag.StringVar(&q.Name, "name", "", "Newest records with this event name")
	flag.StringVar(&q.CorrelationID, "correlation", "", "All records sharing this correlation id")
	flag.StringVar(&q.EventID, "event", "", "Full history of one event id")
	flag.DurationVar(&q.Since, "since", 0, "Records from the last duration, oldest first")
	flag.IntVar(&q.Limit, "limit", 0, "Maximum number of records (default 100)")
	flag.BoolVar(&q.Stats, "stats", false, "Print store statistics")
	flag.Parse()

	if err := run(*configPath, q); err != nil {
		fmt.Fprintf(os.Stderr, "eventaudit: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, q query) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := zap.NewDevelopment(zap.IncreaseLevel(zap.WarnLevel))
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := context.Background()
	store, cleanup, err := backbone.NewStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	return q.run(ctx, store, time.Now(), os.Stdout)
}
