// Package app wires configuration, security, monitoring, storage, ingest
// and the HTTP/WebSocket server together into the running service, and
// drives graceful shutdown.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/urfave/cli/v3"

	"github.com/aerobyte/telemkv/config"
	"github.com/aerobyte/telemkv/ingest"
	"github.com/aerobyte/telemkv/kv"
	"github.com/aerobyte/telemkv/monitoring"
	"github.com/aerobyte/telemkv/security"
	"github.com/aerobyte/telemkv/server"
	"github.com/aerobyte/telemkv/telemetry"
)

// Run is the serve subcommand's action: it loads configuration, opens (or
// creates) the snapshot store, starts the upstream ingest loop, schedules
// periodic snapshot saves, and serves the HTTP/WebSocket API until the
// context is cancelled.
func Run(ctx context.Context, c *cli.Command) error {
	config.LoadDotEnv("")
	cfg := config.FromCommand(c)

	if cfg.Debug {
		monitoring.SetLogLevel("debug")
	}

	shutdownTracer := monitoring.InitTracer(cfg.TracingEndpoint, "telemkv")
	defer shutdownTracer()

	security.ConfigureJWT(cfg.JWTSecret, cfg.JWTFile)
	security.InitAuth()

	// Fail fast on a corrupted or unsupported-version snapshot rather than
	// silently starting empty. A caller embedding kv directly can still
	// choose to start empty: the error is a typed *kv.LoadError.
	store, err := kv.WithPath(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("app: loading snapshot at %s: %w", cfg.StorePath, err)
	}
	segmenter := telemetry.NewSegmenter(store)
	coupler := ingest.NewCoupler(store, segmenter)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	if cfg.SaveInterval > 0 {
		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.SaveInterval),
			gocron.NewTask(func() {
				if err := coupler.Save(); err != nil {
					log.Printf("app: scheduled snapshot save failed: %v", err)
				} else {
					monitoring.Debugf("snapshot saved")
				}
				reportStoreMetrics(coupler)
			}),
		)
		if err != nil {
			return err
		}
	}
	scheduler.Start()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			log.Printf("app: scheduler shutdown: %v", err)
		}
	}()

	ingestCtx, cancelIngest := context.WithCancel(ctx)
	defer cancelIngest()
	source, err := newFrameSource(cfg)
	if err != nil {
		return err
	}
	ingestDone := make(chan struct{})
	go func() {
		coupler.IngestLoop(ingestCtx, source)
		close(ingestDone)
	}()

	srv := server.New(coupler, cfg.RateLimitPerSec)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(cfg.MetricsEnabled),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	log.Printf("listening on %s, upstream=%s", cfg.Listen, cfg.UpstreamURL)

	select {
	case <-ctx.Done():
		log.Printf("shutdown signal received, shutting down")
		return shutdown(httpServer, cancelIngest, ingestDone, errCh, coupler, cfg.SnapshotOnExit)
	case err := <-errCh:
		log.Printf("server exited: %v", err)
		_ = shutdown(httpServer, cancelIngest, ingestDone, nil, coupler, cfg.SnapshotOnExit)
		return err
	}
}

// reportStoreMetrics samples flight and fragmentation gauges after a
// scheduled snapshot save.
func reportStoreMetrics(coupler *ingest.Coupler) {
	open := 0.0
	for _, f := range coupler.ListFlights() {
		if f.CurrentStatus != "Landed" && f.EndedNormally {
			open = 1.0
			break
		}
	}
	monitoring.FlightsOpen.WithLabelValues().Set(open)
	monitoring.StoreFragmentation.WithLabelValues().Set(coupler.StoreFragmentation())
}

// newFrameSource selects the upstream transport named by cfg.Transport.
func newFrameSource(cfg config.Config) (ingest.FrameSource, error) {
	switch cfg.Transport {
	case "", "ws":
		return ingest.NewWSSource(cfg.UpstreamURL), nil
	case "nats":
		return ingest.NewNATSSource(cfg.UpstreamURL, cfg.NATSSubject), nil
	default:
		return nil, fmt.Errorf("app: unknown ingest.transport %q (want ws or nats)", cfg.Transport)
	}
}

func shutdown(httpServer *http.Server, cancelIngest context.CancelFunc, ingestDone chan struct{}, errCh chan error, coupler *ingest.Coupler, snapshotOnExit bool) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	cancelIngest()
	<-ingestDone

	if errCh != nil {
		<-errCh
	}

	if snapshotOnExit {
		if err := coupler.Close(); err != nil {
			log.Printf("app: final snapshot save failed: %v", err)
		}
	}
	return nil
}
