package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/genesistracer/tracer/accounts"
	"github.com/genesistracer/tracer/events"
	"github.com/genesistracer/tracer/geofence"
	"github.com/genesistracer/tracer/nexhome"
	"github.com/genesistracer/tracer/resolver"
	"github.com/genesistracer/tracer/session"
	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
)

var (
	gitRev     = "unknown"
	gitRevJSON []byte
	logger     log.Logger
	StartTime  = time.Now()
)

func openStore(ctx context.Context, cfg config) (accounts.Store, error) {
	opts := []accounts.Option{
		accounts.Gauge(accountCountTotal),
		accounts.Logger(logger.Package("accounts")),
	}
	switch cfg.store {
	case "memory":
		logger.Info("accounts are kept in memory and lost on restart")
		return accounts.NewMemory(opts...), nil
	case "sqlite":
		return accounts.OpenSQLite(ctx, cfg.sqlitePath, opts...)
	case "postgres":
		if cfg.postgresDSN == "" {
			return nil, errors.New("TRACER_POSTGRES_DSN is required for the postgres store")
		}
		return accounts.OpenPostgres(ctx, cfg.postgresDSN, opts...)
	}
	return nil, errors.Errorf("unknown TRACER_STORE %q", cfg.store)
}

func setupEvents(cfg config) events.Publisher {
	if cfg.mqtt.Broker == "" {
		return events.Nop{}
	}
	p, err := events.Connect(cfg.mqtt,
		events.Logger(logger.Package("events")),
		events.Published(eventsPublished),
	)
	if err != nil {
		// lookups must keep working without the broker
		logger.Error(errors.Wrap(err, "events disabled"))
		return events.Nop{}
	}
	return p
}

func setupGeofence(cfg config) (*geofence.Fence, func()) {
	opts := []geofence.Option{
		geofence.TrustProxy(cfg.trustProxy),
		geofence.Logger(logger.Package("geofence")),
		geofence.Decisions(geofenceDecisions),
	}
	closer := func() {}

	if cfg.networks != "" {
		set, err := geofence.ParseNetworks(cfg.networks)
		if err != nil {
			logger.Fatal(errors.Wrap(err, "TRACER_ALLOWED_CIDRS"))
		}
		opts = append(opts, geofence.Networks(set))
	}
	if len(cfg.countries) > 0 {
		if cfg.geoIPDB == "" {
			logger.Fatal(errors.New("TRACER_ALLOWED_COUNTRIES needs TRACER_GEOIP_DB"))
		}
		geo, err := geofence.OpenGeoIP(cfg.geoIPDB)
		if err != nil {
			logger.Fatal(err)
		}
		closer = func() { geo.Close() }
		opts = append(opts, geofence.AllowCountries(geo, cfg.countries...))
	}

	f := geofence.New(opts...)
	if f.Enabled() {
		logger.With("countries", cfg.countries, "networks", cfg.networks).Info("geofence enabled")
	}
	return f, closer
}

func main() {
	log, err := log.Init("github.com/genesistracer/tracer")
	if err != nil {
		panic(err)
	}
	logger = log
	defer logger.Close()

	cfg := loadConfig()
	setupMetrics()

	ctx, otelShutdown := initOtel(context.Background())
	defer otelShutdown(context.Background())
	ctx, closer := context.WithCancel(ctx)

	vendor, err := nexhome.New(cfg.vendor,
		nexhome.Logger(logger.Package("nexhome")),
		nexhome.Duration(vendorDuration),
		nexhome.Errors(vendorErrors),
	)
	if err != nil {
		logger.Fatal(err)
	}
	sessions := session.New(vendor,
		session.TTL(cfg.sessionTTL),
		session.Logger(logger.Package("session")),
		session.Gauge(sessionCached),
		session.Refreshes(sessionRefreshes),
	)
	lookups := resolver.New(sessions, vendor,
		resolver.Workers(cfg.workers),
		resolver.Logger(logger.Package("resolver")),
		resolver.Totals(resolveTotals),
		resolver.Duration(resolveDuration),
	)

	publisher := setupEvents(cfg)
	defer publisher.Close()
	fence, closeFence := setupGeofence(cfg)
	defer closeFence()

	errCh := make(chan error, 2)
	health := setupGRPC(ctx, cfg.grpcPort, errCh)

	tracerState.Set(1)
	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal(err)
	}
	defer store.Close()

	svc := accounts.NewService(store,
		accounts.Manager(cfg.managerUser),
		accounts.ServiceLogger(logger.Package("accounts")),
	)
	if _, err := svc.SeedManager(ctx, cfg.managerPass); err != nil {
		logger.Fatal(errors.Wrap(err, "seed manager account"))
	}

	a := &api{
		lookups:  lookups,
		accounts: svc,
		events:   publisher,
		fence:    fence,
		logger:   logger.Package("api"),
	}
	setupHTTP(ctx, cfg.httpPort, handler(a, health, cfg.staticDir), errCh)

	health.SetServing(true)
	tracerState.Set(2)
	logger.With("store", cfg.store, "vendors", cfg.vendor.BaseURLs).Info("tracer ready")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	select {
	case err = <-errCh:
		logger.Error(err)
		panic(err)
	case sig := <-sigs:
		logger.With("signal", sig.String()).Info("signal received, stopping servers")
	}
	closer()

	// wait for both grpc and http servers to shutdown
	timeout := time.After(cfg.shutdownWait)
	for i := 0; i < 2; i++ {
		select {
		case err = <-errCh:
			if err != nil {
				logger.Error(err)
			}
		case <-timeout:
			logger.Info("timed out waiting for servers to stop")
			return
		}
	}
}
