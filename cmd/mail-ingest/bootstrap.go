package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/BearBump/TrackMail/config"
	"github.com/BearBump/TrackMail/internal/broker/kafka"
	"github.com/BearBump/TrackMail/internal/mailbox/imapsource"
	"github.com/BearBump/TrackMail/internal/metrics"
	"github.com/BearBump/TrackMail/internal/services/ingest"
	"github.com/BearBump/TrackMail/internal/storage/pgpackages"
	"github.com/BearBump/TrackMail/internal/storage/sqlitepackages"
)

// Store is what ingestion needs from either repository implementation.
type Store interface {
	ingest.Repository
	ingest.Cursor
	Ping(ctx context.Context) error
	Close() error
}

type mailIngestApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     mailIngestOpts
	svc      *ingest.Service
	inputs   ingestInputs
	consumer *kafka.Consumer
	store    Store
}

func mustBootstrapMailIngest() *mailIngestApp {
	config.LoadEnv()

	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	st := mustOpenStoreWithRetry(cfg, 60*time.Second)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	svc := ingest.New(st).WithMetrics(m)

	app := &mailIngestApp{
		opts: mailIngestOpts{
			source:        cfg.Ingest.Source,
			schedule:      cfg.Ingest.Schedule,
			httpAddr:      cfg.Ingest.HTTPAddr,
			topic:         cfg.Kafka.MailReceivedTopicName,
			consumerGroup: cfg.Ingest.ConsumerGroup,
		},
		svc: svc,
		inputs: ingestInputs{
			ready:   st.Ping,
			metrics: m.Handler(),
		},
		store: st,
	}

	switch cfg.Ingest.Source {
	case config.SourceKafka:
		if !cfg.Kafka.Enabled() {
			panic("ingest.source is kafka but kafka.host is empty")
		}
		app.consumer = kafka.NewConsumer(cfg.Kafka.Brokers(), cfg.Kafka.MailReceivedTopicName, cfg.Ingest.ConsumerGroup)
		app.inputs.consumer = app.consumer
	case config.SourceIMAP:
		imapCfg := cfg.Ingest.IMAP
		app.inputs.mailbox = imapsource.New(imapsource.Config{
			Host:     imapCfg.Host,
			Port:     imapCfg.Port,
			Username: imapCfg.Username,
			Password: imapCfg.Password,
			Folder:   imapCfg.Folder,
			Security: imapCfg.Security,
		})
		app.inputs.cursor = st
	}

	app.ctx, app.cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return app
}

func openStore(cfg *config.Config) (Store, error) {
	if cfg.Database.Driver == config.DriverSQLite {
		return sqlitepackages.New(cfg.Database.Path)
	}
	return pgpackages.New(cfg.Database.ConnString())
}

func mustOpenStoreWithRetry(cfg *config.Config, wait time.Duration) Store {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := openStore(cfg)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("%s is not ready after %s: %v", cfg.Database.Driver, wait, lastErr))
}

func (a *mailIngestApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func (a *mailIngestApp) Run() error {
	return runMailIngest(a.ctx, a.opts, a.svc, a.inputs)
}
