package main

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/BearBump/TrackMail/config"
	"github.com/BearBump/TrackMail/internal/broker/kafka"
	"github.com/BearBump/TrackMail/internal/cache"
	"github.com/BearBump/TrackMail/internal/cache/rediscache"
	"github.com/BearBump/TrackMail/internal/integrations/carrier"
	"github.com/BearBump/TrackMail/internal/integrations/carrier/fake"
	"github.com/BearBump/TrackMail/internal/integrations/carrier/fedex"
	"github.com/BearBump/TrackMail/internal/integrations/carrier/tokencache"
	"github.com/BearBump/TrackMail/internal/integrations/carrier/ups"
	"github.com/BearBump/TrackMail/internal/integrations/carrier/upsweb"
	"github.com/BearBump/TrackMail/internal/integrations/carrier/usps"
	"github.com/BearBump/TrackMail/internal/metrics"
	"github.com/BearBump/TrackMail/internal/models"
	"github.com/BearBump/TrackMail/internal/services/packages"
	"github.com/BearBump/TrackMail/internal/services/poller"
	"github.com/BearBump/TrackMail/internal/storage/pgpackages"
	"github.com/BearBump/TrackMail/internal/storage/sqlitepackages"
)

// Store is what the worker needs from either repository implementation.
type Store interface {
	poller.Repository
	packages.Repository
	Ping(ctx context.Context) error
	Close() error
}

type statusConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
	Close() error
}

type workerFactories struct {
	newStore          func(cfg *config.Config) (Store, error)
	newProducer       func(cfg *config.Config) poller.Producer
	newRedis          func(cfg *config.Config) *rediscache.RedisCache
	newStatusConsumer func(cfg *config.Config) statusConsumer
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStore: openStore,
		newProducer: func(cfg *config.Config) poller.Producer {
			if !cfg.Kafka.Enabled() {
				return nil
			}
			return kafka.NewProducer(cfg.Kafka.Brokers())
		},
		newRedis: func(cfg *config.Config) *rediscache.RedisCache {
			if !cfg.Redis.Enabled() {
				return nil
			}
			return rediscache.New(cfg.Redis.Addr())
		},
		newStatusConsumer: func(cfg *config.Config) statusConsumer {
			if !cfg.Kafka.Enabled() {
				return nil
			}
			return kafka.NewConsumer(cfg.Kafka.Brokers(), cfg.Kafka.StatusChangedTopicName, cfg.Worker.KafkaConsumerGroup)
		},
	}
}

func openStore(cfg *config.Config) (Store, error) {
	if cfg.Database.Driver == config.DriverSQLite {
		return sqlitepackages.New(cfg.Database.Path)
	}
	return pgpackages.New(cfg.Database.ConnString())
}

// buildRegistry creates one client per courier the config allows.
// UPS without credentials falls back to the public web endpoint.
func buildRegistry(cfg *config.Config, tokens *tokencache.Cache) *carrier.Registry {
	reg := carrier.NewRegistry()
	cc := cfg.Couriers
	timeout := time.Duration(cfg.Sync.RequestTimeoutSeconds) * time.Second

	if cc.Mode == config.ModeFake {
		for _, c := range models.Couriers() {
			reg.Register(c, fake.New(c), "fake")
		}
		return reg
	}

	if cc.FedEx.Configured() {
		reg.Register(models.CourierFedEx, fedex.New(fedex.Config{
			ClientID:     cc.FedEx.ClientID,
			ClientSecret: cc.FedEx.ClientSecret,
			BaseURL:      cc.FedEx.BaseURL,
			Timeout:      timeout,
		}, tokens), credentialFingerprint(cc.FedEx))
	} else {
		slog.Warn("FedEx credentials not set, FedEx packages will not be checked")
	}

	if cc.UPS.Configured() {
		reg.Register(models.CourierUPS, ups.New(ups.Config{
			ClientID:     cc.UPS.ClientID,
			ClientSecret: cc.UPS.ClientSecret,
			BaseURL:      cc.UPS.BaseURL,
			Timeout:      timeout,
		}, tokens), credentialFingerprint(cc.UPS))
	} else {
		slog.Info("UPS credentials not set, using the public tracking endpoint")
		reg.Register(models.CourierUPS, upsweb.New(cc.UPSWebBaseURL, timeout), carrier.Fingerprint("upsweb", cc.UPSWebBaseURL))
	}

	if cc.USPS.Configured() {
		reg.Register(models.CourierUSPS, usps.New(usps.Config{
			ClientID:     cc.USPS.ClientID,
			ClientSecret: cc.USPS.ClientSecret,
			BaseURL:      cc.USPS.BaseURL,
			Timeout:      timeout,
		}, tokens), credentialFingerprint(cc.USPS))
	} else {
		slog.Warn("USPS credentials not set, USPS packages will not be checked")
	}
	return reg
}

func credentialFingerprint(c config.CourierCredentials) string {
	return carrier.Fingerprint(c.ClientID, c.ClientSecret, c.BaseURL)
}

func courierInts(in map[string]int) map[models.Courier]int {
	out := make(map[models.Courier]int, len(in))
	for name, n := range in {
		if c, err := models.ParseCourier(name); err == nil {
			out[c] = n
		}
	}
	return out
}

func courierInt64s(in map[string]int) map[models.Courier]int64 {
	out := make(map[models.Courier]int64, len(in))
	for c, n := range courierInts(in) {
		out[c] = int64(n)
	}
	return out
}

// RunTrackWorker wires storage, couriers and the poller, then serves until ctx ends.
// configPath, when set, is watched and courier clients are rebuilt on change.
func RunTrackWorker(ctx context.Context, cfg *config.Config, configPath string, f workerFactories) error {
	store, err := f.newStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	var (
		bytesCache cache.BytesCache
		tokenStore tokencache.Store
		rl         poller.RateLimiter
	)
	ready := store.Ping
	if rc := f.newRedis(cfg); rc != nil {
		defer func() { _ = rc.Close() }()
		bytesCache, tokenStore = rc, rc
		rl = rediscache.NewRateLimiterFromClient(rc.Client())
		ready = func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				return err
			}
			return rc.Ping(ctx)
		}
	}
	tokens := tokencache.New(tokenStore)
	defer tokens.Close()

	reg := buildRegistry(cfg, tokens)
	p := poller.New(store, reg).
		WithSettings(
			time.Duration(cfg.Sync.IntervalSeconds)*time.Second,
			cfg.Sync.Concurrency,
			time.Duration(cfg.Sync.ShutdownGraceSeconds)*time.Second,
		).
		WithCourierConcurrency(courierInts(cfg.Sync.CourierConcurrency)).
		WithMetrics(m)
	if rl != nil {
		p.WithRateLimiter(rl, int64(cfg.Sync.RateLimitPerMinute), courierInt64s(cfg.Sync.CourierRateLimitPerMinute))
	}
	if producer := f.newProducer(cfg); producer != nil {
		if c, ok := producer.(io.Closer); ok {
			defer func() { _ = c.Close() }()
		}
		p.WithProducer(producer, cfg.Kafka.StatusChangedTopicName)
	}

	svc := packages.New(store, bytesCache, time.Duration(cfg.Worker.CurrentStatusTTLSeconds)*time.Second)

	sanitized := cfg.Sanitized()
	slog.Info("track worker starting",
		"driver", cfg.Database.Driver,
		"interval", (time.Duration(cfg.Sync.IntervalSeconds) * time.Second).String(),
		"couriers_mode", cfg.Couriers.Mode,
		"couriers", reg.Couriers(),
		"fedex_client_id", sanitized.Couriers.FedEx.ClientID,
		"ups_client_id", sanitized.Couriers.UPS.ClientID,
		"usps_client_id", sanitized.Couriers.USPS.ClientID,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error {
		return runWorkerHTTPServer(gctx, workerHTTPOpts{
			httpAddr:    cfg.Worker.HTTPAddr,
			swaggerPath: cfg.Worker.SwaggerPath,
			poller:      p,
			packages:    svc,
			cfg:         &sanitized,
			ready:       ready,
			metrics:     m.Handler(),
		})
	})
	if configPath != "" {
		g.Go(func() error {
			return watchConfig(gctx, configPath, func(next *config.Config) {
				p.SetClients(buildRegistry(next, tokens))
			})
		})
	}
	if bytesCache != nil {
		if consumer := f.newStatusConsumer(cfg); consumer != nil {
			defer func() { _ = consumer.Close() }()
			g.Go(func() error { return consumeStatusChanges(gctx, consumer, svc) })
		}
	}
	return g.Wait()
}

// consumeStatusChanges keeps the current-status cache in step with committed changes.
func consumeStatusChanges(ctx context.Context, c statusConsumer, svc *packages.Service) error {
	handler := func(key, value []byte) error {
		if err := svc.HandleStatusChanged(ctx, key, value); err != nil {
			slog.Warn("refresh cached status", "key", string(key), "error", err.Error())
		}
		return nil
	}
	for {
		err := c.Consume(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := "<nil>"
		if err != nil {
			msg = err.Error()
		}
		slog.Error("status consumer stopped, restarting", "error", msg)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func isShutdown(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}
