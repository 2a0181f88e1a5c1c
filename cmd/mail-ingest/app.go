package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/BearBump/TrackMail/config"
	"github.com/BearBump/TrackMail/internal/services/ingest"
)

type mailIngestOpts struct {
	source   string
	schedule string
	httpAddr string

	topic         string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

// ingestInputs are the email sources; only the one matching opts.source is used.
type ingestInputs struct {
	consumer kafkaConsumer
	mailbox  ingest.Source
	cursor   ingest.Cursor
	ready    func(ctx context.Context) error
	metrics  http.Handler
}

func runMailIngest(ctx context.Context, opts mailIngestOpts, svc *ingest.Service, in ingestInputs) error {
	var collect func()
	switch opts.source {
	case config.SourceKafka:
		if in.consumer == nil {
			return errors.New("kafka source needs a consumer")
		}
	case config.SourceIMAP:
		if in.mailbox == nil || in.cursor == nil {
			return errors.New("imap source needs a mailbox and a cursor")
		}
	default:
		return errors.Errorf("unknown ingest source %q", opts.source)
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	g, gctx := errgroup.WithContext(ctx)

	if opts.source == config.SourceIMAP {
		job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
			collectOnce(gctx, svc, in.mailbox, in.cursor)
		}))
		collect = job.Run

		c := cron.New()
		if _, err := c.AddJob(opts.schedule, job); err != nil {
			_ = lis.Close()
			return errors.Wrapf(err, "bad ingest schedule %q", opts.schedule)
		}
		g.Go(func() error {
			c.Start()
			slog.Info("mailbox collector scheduled", "schedule", opts.schedule)
			go collect()
			<-gctx.Done()
			// ждём, пока текущий проход по ящику закончится
			<-c.Stop().Done()
			return gctx.Err()
		})
	} else {
		g.Go(func() error {
			slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
			return consumeEmails(gctx, in.consumer, svc)
		})
	}

	g.Go(func() error {
		return serveIngestHTTP(gctx, lis, in, collect)
	})
	return g.Wait()
}

func collectOnce(ctx context.Context, svc *ingest.Service, src ingest.Source, cursor ingest.Cursor) {
	if ctx.Err() != nil {
		return
	}
	started := time.Now()
	res, err := svc.Collect(ctx, src, cursor)
	if err != nil {
		slog.Error("mailbox collection failed", "error", err.Error())
		return
	}
	slog.Info("mailbox collected",
		"emails", res.Emails,
		"found", res.Found,
		"inserted", res.Inserted,
		"failed", res.Failed,
		"took", time.Since(started).String(),
	)
}

// consumeEmails restarts the consumer after a handler or broker failure;
// the uncommitted record is fetched again.
func consumeEmails(ctx context.Context, c kafkaConsumer, svc *ingest.Service) error {
	for {
		err := c.Consume(ctx, func(key, value []byte) error {
			return svc.HandleMessage(ctx, key, value)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := "<nil>"
		if err != nil {
			msg = err.Error()
		}
		slog.Error("email consumer stopped, restarting", "error", msg)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func serveIngestHTTP(ctx context.Context, lis net.Listener, in ingestInputs, collect func()) error {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if in.ready != nil {
			if err := in.ready(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ready"))
	})
	if in.metrics != nil {
		r.Method(http.MethodGet, "/metrics", in.metrics)
	}
	if collect != nil {
		r.Post("/collect", func(w http.ResponseWriter, r *http.Request) {
			go collect()
			w.WriteHeader(http.StatusAccepted)
		})
	}

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("ingest HTTP listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
