package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/solarcrm/fieldsync/internal/config"
	"github.com/solarcrm/fieldsync/internal/crypto"
	"github.com/solarcrm/fieldsync/internal/db"
	"github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/logging"
	"github.com/solarcrm/fieldsync/internal/models"
	"github.com/solarcrm/fieldsync/internal/notify"
	"github.com/solarcrm/fieldsync/internal/remote"
	syncpkg "github.com/solarcrm/fieldsync/internal/sync"
	"github.com/solarcrm/fieldsync/internal/sync/conflict"
	"github.com/solarcrm/fieldsync/internal/sync/queue"
	"github.com/solarcrm/fieldsync/internal/sync/scheduler"
	"github.com/solarcrm/fieldsync/internal/telemetry"
)

// app is the wired fieldsync stack shared by every command.
type app struct {
	cfg       *config.Config
	database  *db.DB
	repo      *db.Repository
	bus       *notify.Bus
	metrics   *telemetry.Registry
	state     *scheduler.OnlineState
	engine    *syncpkg.SyncEngine
	queue     *queue.Service
	resolver  *conflict.Resolver
	scheduler *scheduler.Scheduler

	closers []func()
}

// newApp opens the store, builds the remote backend and wires the services.
// online seeds the connectivity flag.
func newApp(ctx context.Context, cfg *config.Config, online bool) (*app, error) {
	database, err := db.OpenAndMigrate(cfg.DataDir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "open queue database", err)
	}

	var opts []db.RepositoryOption
	if cfg.Encryption.Key != "" {
		opts = append(opts, db.WithCipher(crypto.NewPayloadCipher(cfg.Encryption.Key)))
	}
	a := &app{
		cfg:      cfg,
		database: database,
		repo:     db.NewRepository(database.DB, opts...),
		bus:      notify.NewBus(),
		metrics:  telemetry.Default,
		state:    scheduler.NewOnlineState(online),
	}
	a.closers = append(a.closers, func() {
		a.repo.Close()
		database.Close()
	})

	submitter, err := a.buildSubmitter(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.engine = syncpkg.NewSyncEngine(a.repo, submitter, syncpkg.Options{
		MaxRetries:   cfg.Sync.MaxRetries,
		Connectivity: a.state,
		Publisher:    a.bus,
		Metrics:      a.metrics,
	})

	a.queue = queue.NewService(a.repo, a.engine, queue.Options{
		EnqueueDelay: cfg.Sync.EnqueueDelay,
		Connectivity: a.state,
		Tracker:      a.engine.Tracker(),
		Publisher:    a.bus,
		Metrics:      a.metrics,
	})
	a.closers = append(a.closers, a.queue.Close)
	a.resolver = conflict.NewResolver(a.repo, a.engine.Tracker(), a.bus)

	var prober scheduler.Prober
	if cfg.Connectivity.ProbeURL != "" {
		prober = scheduler.NewHTTPProber(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeTimeout)
	}
	a.scheduler = scheduler.NewScheduler(a.engine, a.repo, a.state, &scheduler.Config{
		SyncInterval:      cfg.Sync.Interval,
		SettleDelay:       cfg.Sync.SettleDelay,
		ProbeInterval:     cfg.Connectivity.ProbeInterval,
		RetentionMaxAge:   cfg.Retention.MaxAge,
		RetentionInterval: cfg.Retention.Interval,
	}, scheduler.Options{
		Publisher: a.bus,
		Prober:    prober,
		Metrics:   a.metrics,
	})
	return a, nil
}

// buildSubmitter selects the remote backend and routes media records to the
// object store when one is configured.
func (a *app) buildSubmitter(ctx context.Context) (remote.Submitter, error) {
	cfg := a.cfg
	var base remote.Submitter

	switch cfg.Remote.Driver {
	case config.DriverPostgres:
		pg, err := remote.NewPostgresSubmitter(ctx, cfg.Remote.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		base = pg

	case config.DriverREST:
		var signer *remote.TokenSigner
		if cfg.Remote.RESTJWTSecret != "" {
			signer = remote.NewTokenSigner(cfg.Remote.RESTJWTSecret)
		}
		rest, err := remote.NewRESTSubmitter(cfg.Remote.RESTURL, signer, &http.Client{Timeout: cfg.Remote.Timeout})
		if err != nil {
			return nil, err
		}
		base = rest

	case config.DriverDynamo:
		dyn, err := remote.NewDynamoSubmitter(ctx, cfg.Remote.DynamoTable, cfg.Remote.Region, cfg.Remote.DynamoEndpoint)
		if err != nil {
			return nil, err
		}
		base = dyn

	default:
		logging.Warn("No remote backend configured, records stay queued", nil)
		base = remote.SubmitterFunc(func(context.Context, remote.SubmitRequest) remote.SubmitResult {
			return remote.Transient(string(errors.ErrSyncNotConfigured) + ": no remote backend configured")
		})
	}

	router := remote.NewRouter(base)
	if cfg.MediaEnabled() {
		media, err := remote.NewMediaSubmitter(ctx, cfg.RemoteMedia())
		if err != nil {
			return nil, err
		}
		router.Handle(models.KindMedia, media)
	}
	return router, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func ownerArg(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", errors.New(errors.ErrInvalid, "owner is required")
	}
	return s, nil
}
