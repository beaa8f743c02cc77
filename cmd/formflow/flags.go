package main

import (
	"time"

	cli "github.com/urfave/cli/v3"
)

// engineFlags configure everything needed to execute flows.
func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "flows",
			Usage:    "YAML file with the flow definitions",
			Required: true,
			Sources:  cli.EnvVars("FLOWS_FILE"),
		},
		&cli.StringFlag{
			Name:    "plugins-path",
			Usage:   "Path to the directory containing step plugins",
			Value:   "./plugins",
			Sources: cli.EnvVars("PLUGINS_PATH"),
		},
		&cli.IntFlag{
			Name:    "max-concurrency",
			Usage:   "Maximum number of flows running at once",
			Value:   3,
			Sources: cli.EnvVars("MAX_CONCURRENCY"),
		},
		&cli.StringFlag{
			Name:    "chrome-path",
			Usage:   "Chrome executable (autodetected when empty)",
			Sources: cli.EnvVars("CHROME_PATH"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Value:   "localhost:9092",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "tracing",
			Usage:   "Trace exporter (none, otlp, stdout)",
			Value:   "none",
			Sources: cli.EnvVars("TRACING_EXPORTER"),
		},
		&cli.DurationFlag{
			Name:    "summary-ttl",
			Usage:   "How long finished run summaries stay queryable",
			Value:   time.Hour,
			Sources: cli.EnvVars("SUMMARY_TTL"),
		},
	}
}
