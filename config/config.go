// Package config assembles the typed runtime configuration from CLI flags
// and an optional .env file, grouped by flag category.
package config

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

// Config is the fully-resolved runtime configuration passed to app.Run.
type Config struct {
	// server.*
	Listen          string
	RateLimitPerSec float64

	// monitoring.*
	TracingEndpoint string
	Debug           bool
	MetricsEnabled  bool

	// storage.*
	StorePath      string
	SaveInterval   time.Duration
	SnapshotOnExit bool

	// ingest.*
	Transport   string
	UpstreamURL string
	NATSSubject string

	// security.*
	JWTSecret string
	JWTFile   string
}

// LoadDotEnv loads a .env file if present. Missing files are not an error,
// since .env is an optional convenience for local development.
func LoadDotEnv(path string) {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		log.Printf("config: no .env file loaded (%v)", err)
	}
}

// FromCommand reads a Config out of a urfave/cli Command's resolved flags.
func FromCommand(c *cli.Command) Config {
	return Config{
		Listen:          c.String("server.listen"),
		RateLimitPerSec: c.Float64("server.rate_limit"),

		TracingEndpoint: c.String("tracing.endpoint"),
		Debug:           c.Bool("debug"),
		MetricsEnabled:  c.Bool("metrics.enabled"),

		StorePath:      c.String("storage.path"),
		SaveInterval:   c.Duration("storage.save_interval"),
		SnapshotOnExit: true,

		Transport:   c.String("ingest.transport"),
		UpstreamURL: c.String("ingest.upstream_url"),
		NATSSubject: c.String("ingest.nats_subject"),

		JWTSecret: c.String("security.jwt.secret"),
		JWTFile:   c.String("security.jwt.file"),
	}
}

// Flags is the urfave/cli/v3 flag set used by cmd/telemkv's serve
// subcommand.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Category: "server",
			Name:     "server.listen",
			Aliases:  []string{"listen", "l"},
			Value:    ":8080",
			Usage:    "`ADDRESS` to listen on (e.g., ':8080')",
			Sources:  cli.EnvVars("TELEMKV_LISTEN"),
		},
		&cli.FloatFlag{
			Category: "server",
			Name:     "server.rate_limit",
			Value:    20.0,
			Usage:    "Per-IP request rate limit, in requests per second",
		},
		&cli.StringFlag{
			Category: "monitoring",
			Name:     "tracing.endpoint",
			Aliases:  []string{"tracing", "t"},
			Value:    "",
			Usage:    "OpenTelemetry collector `ENDPOINT` for traces",
			Sources:  cli.EnvVars("TELEMKV_TRACING_ENDPOINT"),
		},
		&cli.BoolFlag{
			Category: "monitoring",
			Name:     "metrics.enabled",
			Value:    true,
			Usage:    "Expose /metrics",
		},
		&cli.BoolFlag{
			Category: "monitoring",
			Name:     "debug",
			Aliases:  []string{"d"},
			Usage:    "Enable debug logging",
		},
		&cli.StringFlag{
			Category: "storage",
			Name:     "storage.path",
			Aliases:  []string{"db"},
			Value:    "telemetry_data",
			Usage:    "Base `PATH` for the .meta/.keys/.data snapshot files",
			Sources:  cli.EnvVars("TELEMKV_STORE_PATH"),
		},
		&cli.DurationFlag{
			Category: "storage",
			Name:     "storage.save_interval",
			Value:    30 * time.Second,
			Usage:    "Interval between scheduled snapshot saves",
		},
		&cli.StringFlag{
			Category: "ingest",
			Name:     "ingest.transport",
			Value:    "ws",
			Usage:    "Upstream transport: `ws` (websocket) or `nats` (message broker)",
			Sources:  cli.EnvVars("TELEMKV_INGEST_TRANSPORT"),
		},
		&cli.StringFlag{
			Category: "ingest",
			Name:     "ingest.upstream_url",
			Aliases:  []string{"upstream"},
			Value:    "ws://localhost:8080/ws/binary",
			Usage:    "Upstream source `URL` (websocket dial target, or NATS server URL when ingest.transport=nats)",
			Sources:  cli.EnvVars("TELEMKV_UPSTREAM_URL"),
		},
		&cli.StringFlag{
			Category: "ingest",
			Name:     "ingest.nats_subject",
			Value:    "telemkv.telemetry",
			Usage:    "NATS `SUBJECT` carrying binary telemetry frames (only used when ingest.transport=nats)",
			Sources:  cli.EnvVars("TELEMKV_NATS_SUBJECT"),
		},
		&cli.StringFlag{
			Category: "security",
			Name:     "security.jwt.secret",
			Usage:    "JWT secret for signing cookies (HS256). If empty, load/generate from file",
			Hidden:   true,
		},
		&cli.StringFlag{
			Category: "security",
			Name:     "security.jwt.file",
			Value:    "./data/jwt.secret",
			Usage:    "Path to file to load/store the JWT secret",
			Hidden:   true,
		},
	}
}
