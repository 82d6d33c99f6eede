package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"rescal/internal/aggregate"
	"rescal/internal/config"
	"rescal/internal/export"
	"rescal/internal/facilitron"
	"rescal/internal/ics"
	appLog "rescal/internal/log"
	"rescal/internal/normalize"
	"rescal/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	envPath    string
	listen     string
	once       bool
	demo       bool
	out        string
}

func main() {
	flags := parseFlags()

	if err := godotenv.Load(flags.envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		appLog.Warn("failed to load env file", "path", flags.envPath, "err", err)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	conf.ApplyEnv()

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("rescal starting", "version", "1.0.0")
	appLog.Info("effective config",
		"listen", conf.Listen,
		"policy", conf.Policy,
		"timezone", conf.Timezone.ID,
		"retime_events", conf.Timezone.RetimeEvents,
		"lookback_days", conf.LookbackDays,
		"owner_ids", len(conf.Facilitron.OwnerIDs),
		"static_reservations", len(conf.StaticReservations),
		"export_path", conf.Export.Path,
		"once", flags.once,
	)

	live, demo, err := buildAggregators(conf)
	if err != nil {
		appLog.Error("invalid configuration", err)
		os.Exit(1)
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.once {
		agg := live
		if flags.demo {
			if demo == nil {
				appLog.Error("cannot run demo", errors.New("static_reservations is empty"))
				os.Exit(1)
			}
			agg = demo
		}
		if err := runOnce(ctx, agg, conf, flags.out); err != nil {
			appLog.Error("single run failed", err)
			os.Exit(1)
		}
		return
	}

	if conf.Export.Path != "" {
		exp := export.New(live, conf.Export.Path, conf.Lookback())
		if _, err := export.Schedule(ctx, conf.Export.Schedule, exp); err != nil {
			appLog.Error("failed to schedule export", err)
			os.Exit(1)
		}
	}

	var demoAgg web.Aggregator
	if demo != nil {
		demoAgg = demo
	}
	if err := web.StartServer(ctx, conf, live, demoAgg); err != nil {
		appLog.Error("http server failed", err)
		os.Exit(1)
	}
	appLog.Info("rescal exiting")
}

// buildAggregators wires the live Facilitron aggregator and, when static
// reservations are configured, the demo aggregator.
func buildAggregators(conf *config.Config) (*aggregate.Aggregator, *aggregate.Aggregator, error) {
	zone, err := conf.Zone()
	if err != nil {
		return nil, nil, err
	}
	normOpts, err := conf.NormalizeOptions(zone)
	if err != nil {
		return nil, nil, err
	}
	normalizer := normalize.New(normOpts)
	fetcher := ics.NewFetcher(conf.FetcherOptions())
	aggOpts := aggregate.Options{
		Metadata:    conf.Metadata(zone.ID),
		Zone:        zone,
		IncludeZone: conf.Timezone.RetimeEvents,
	}

	client := facilitron.NewClient(facilitron.Options{
		BaseURL:  conf.Facilitron.BaseURL,
		OwnerIDs: conf.Facilitron.OwnerIDs,
		Email:    conf.Facilitron.Email,
		Password: conf.Facilitron.Password,
		Timeout:  time.Duration(conf.Fetch.TimeoutSeconds) * time.Second,
	})
	live := aggregate.New(client, fetcher, normalizer, aggOpts)

	var demo *aggregate.Aggregator
	if rs := conf.Reservations(); len(rs) > 0 {
		demo = aggregate.New(aggregate.NewStaticSource(rs), fetcher, normalizer, aggOpts)
	}
	return live, demo, nil
}

// runOnce aggregates with the default cutoff and writes the calendar to
// out, or stdout when out is empty.
func runOnce(ctx context.Context, agg *aggregate.Aggregator, conf *config.Config, out string) error {
	if out != "" {
		return export.New(agg, out, conf.Lookback()).Run(ctx)
	}
	body, err := agg.Aggregate(ctx, time.Now().Add(-conf.Lookback()), nil)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(os.Stdout, body)
	return err
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/rescal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.envPath, "env", ".env", "Path to .env file with FACILITRON_EMAIL/FACILITRON_PASSWORD")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one aggregation, print the calendar and exit")
	flag.BoolVar(&cfg.demo, "demo", false, "With -once, aggregate the static reservation list")
	flag.StringVar(&cfg.out, "out", "", "With -once, write the calendar to this file instead of stdout")

	flag.Parse()

	return cfg
}
