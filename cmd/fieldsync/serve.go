package main

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/httpapi"
	"github.com/solarcrm/fieldsync/internal/logging"
	"github.com/solarcrm/fieldsync/internal/notify"
)

var serveOnline bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local API, event stream and background sync",
	Long: `Starts the HTTP API the field app talks to, the WebSocket event stream,
and the scheduler that syncs queued records whenever the device is online.

Connectivity comes from PUT /api/connectivity reports or, when
connectivity.probe_url is set, from periodic HTTP probes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveOnline, "online", false, "assume the device starts online")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logging.Info("Starting fieldsync", map[string]interface{}{"version": Version, "config": cfg.Redacted()})

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, serveOnline)
	if err != nil {
		return err
	}
	defer a.Close()

	// serve is the only process that runs rounds in the background, so a
	// record still syncing at startup was left behind by a previous run.
	if n, err := a.engine.Recover(ctx); err != nil {
		return err
	} else if n > 0 {
		logging.Info("Reset interrupted records", map[string]interface{}{"count": n})
	}

	var kp *notify.KafkaPublisher
	if cfg.Kafka.Brokers != "" {
		if kp, err = notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	hub := notify.NewHub(cfg.HTTP.AllowedOrigins)
	defer a.bus.Subscribe(hub.Publish)()
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	if kp != nil {
		defer a.bus.Subscribe(kp.Publish)()
		g.Go(func() error { return kp.Run(ctx) })
	}

	a.scheduler.Start(ctx)
	defer a.scheduler.Stop()

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Queue:          a.queue,
			Resolver:       a.resolver,
			Connectivity:   a.scheduler,
			Events:         hub,
			Metrics:        a.metrics,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logging.Info("HTTP API listening", map[string]interface{}{"addr": cfg.HTTP.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(errors.ErrInternal, "http server", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logging.Info("fieldsync stopped", nil)
	return err
}
