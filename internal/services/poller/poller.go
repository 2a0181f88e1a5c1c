package poller

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/BearBump/TrackMail/internal/broker/messages"
	"github.com/BearBump/TrackMail/internal/cache/rediscache"
	"github.com/BearBump/TrackMail/internal/integrations/carrier"
	"github.com/BearBump/TrackMail/internal/metrics"
	"github.com/BearBump/TrackMail/internal/models"
	"github.com/BearBump/TrackMail/internal/normalize"
)

type Repository interface {
	ListActivePackages(ctx context.Context) ([]*models.Package, error)
	AppendStatusEvent(ctx context.Context, in models.StatusEventInput) (bool, error)
}

// Clients resolves the courier client to use; *carrier.Registry implements it.
type Clients interface {
	Client(courier models.Courier) (carrier.Client, bool)
	Fingerprint(courier models.Courier) string
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

const (
	DefaultInterval      = time.Hour
	DefaultConcurrency   = 4
	DefaultShutdownGrace = 10 * time.Second
)

// skip reasons, also used as metric labels
const (
	skipNoClient      = "no_client"
	skipAuthSuspended = "auth_suspended"
	skipAuthFailed    = "auth_failed"
)

type Poller struct {
	repo     Repository
	producer Producer
	rl       RateLimiter
	metrics  *metrics.Metrics
	topic    string

	clientsMu sync.RWMutex
	clients   Clients

	interval           time.Duration
	concurrency        int
	courierConcurrency map[models.Courier]int
	rateLimitPerMinute int64
	courierRateLimits  map[models.Courier]int64
	shutdownGrace      time.Duration
	now                func() time.Time

	// courier -> credential fingerprint that was rejected
	suspendedMu sync.Mutex
	suspended   map[models.Courier]string

	cycleMu   sync.Mutex
	triggerCh chan struct{}

	startedAtUnixNano     int64
	lastCycleUnixNano     atomic.Int64
	lastCycleDurationNano atomic.Int64
	lastTriggerUnixNano   atomic.Int64
	totalCycles           atomic.Int64
	totalChecked          atomic.Int64
	totalChanged          atomic.Int64
	totalErrors           atomic.Int64
	inFlight              atomic.Int64
	lastErrorMu           sync.Mutex
	lastError             string
}

func New(repo Repository, clients Clients) *Poller {
	return &Poller{
		repo:               repo,
		clients:            clients,
		metrics:            metrics.New(nil),
		topic:              messages.TopicPackageStatusChanged,
		interval:           DefaultInterval,
		concurrency:        DefaultConcurrency,
		courierConcurrency: map[models.Courier]int{},
		courierRateLimits:  map[models.Courier]int64{},
		shutdownGrace:      DefaultShutdownGrace,
		now:                time.Now,
		suspended:          map[models.Courier]string{},
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (p *Poller) WithSettings(interval time.Duration, concurrency int, shutdownGrace time.Duration) *Poller {
	if interval > 0 {
		p.interval = interval
	}
	if concurrency > 0 {
		p.concurrency = concurrency
	}
	if shutdownGrace > 0 {
		p.shutdownGrace = shutdownGrace
	}
	return p
}

// WithCourierConcurrency overrides the in-flight limit for single couriers.
func (p *Poller) WithCourierConcurrency(limits map[models.Courier]int) *Poller {
	for c, n := range limits {
		if n > 0 {
			p.courierConcurrency[c] = n
		}
	}
	return p
}

func (p *Poller) WithRateLimiter(rl RateLimiter, perMinute int64, perCourier map[models.Courier]int64) *Poller {
	p.rl = rl
	p.rateLimitPerMinute = perMinute
	for c, n := range perCourier {
		if n > 0 {
			p.courierRateLimits[c] = n
		}
	}
	return p
}

func (p *Poller) WithProducer(producer Producer, topic string) *Poller {
	p.producer = producer
	if topic != "" {
		p.topic = topic
	}
	return p
}

func (p *Poller) WithMetrics(m *metrics.Metrics) *Poller {
	if m != nil {
		p.metrics = m
	}
	return p
}

// SetClients swaps the courier clients, e.g. after a config reload.
// A courier suspended for bad credentials is resumed once its fingerprint changes.
func (p *Poller) SetClients(clients Clients) {
	p.clientsMu.Lock()
	p.clients = clients
	p.clientsMu.Unlock()

	p.suspendedMu.Lock()
	defer p.suspendedMu.Unlock()
	for c, fp := range p.suspended {
		if clients.Fingerprint(c) != fp {
			delete(p.suspended, c)
			slog.Info("courier credentials changed, resuming", "courier", c)
		}
	}
}

func (p *Poller) currentClients() Clients {
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	return p.clients
}

// Trigger forces an immediate poll cycle (best-effort, non-blocking).
func (p *Poller) Trigger() {
	p.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt         time.Time  `json:"startedAt"`
	LastCycleAt       *time.Time `json:"lastCycleAt,omitempty"`
	LastCycleDuration string     `json:"lastCycleDuration,omitempty"`
	LastTriggerAt     *time.Time `json:"lastTriggerAt,omitempty"`
	TotalCycles       int64      `json:"totalCycles"`
	TotalChecked      int64      `json:"totalChecked"`
	TotalChanged      int64      `json:"totalChanged"`
	TotalErrors       int64      `json:"totalErrors"`
	InFlight          int64      `json:"inFlight"`
	SuspendedCouriers []string   `json:"suspendedCouriers,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
}

func (p *Poller) Stats() Stats {
	st := Stats{
		StartedAt:    time.Unix(0, p.startedAtUnixNano).UTC(),
		TotalCycles:  p.totalCycles.Load(),
		TotalChecked: p.totalChecked.Load(),
		TotalChanged: p.totalChanged.Load(),
		TotalErrors:  p.totalErrors.Load(),
		InFlight:     p.inFlight.Load(),
	}
	if n := p.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
		st.LastCycleDuration = time.Duration(p.lastCycleDurationNano.Load()).String()
	}
	if n := p.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	p.suspendedMu.Lock()
	for c := range p.suspended {
		st.SuspendedCouriers = append(st.SuspendedCouriers, string(c))
	}
	p.suspendedMu.Unlock()
	sort.Strings(st.SuspendedCouriers)

	p.lastErrorMu.Lock()
	st.LastError = p.lastError
	p.lastErrorMu.Unlock()
	return st
}

// Run polls right away and then every interval or on Trigger, until ctx ends.
// A cycle in progress when ctx ends gets the shutdown grace period to finish.
func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	p.runDetached(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.runDetached(ctx)
		case <-p.triggerCh:
			p.runDetached(ctx)
		}
	}
}

func (p *Poller) runDetached(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		slog.Info("shutdown requested, letting in-flight checks finish", "grace", p.shutdownGrace.String())
		time.AfterFunc(p.shutdownGrace, cancel)
	})
	defer stop()

	p.runCycle(cctx, ctx)
}

// RunCycle performs one full pass over the active packages.
func (p *Poller) RunCycle(ctx context.Context) {
	p.runCycle(ctx, ctx)
}

// runCycle uses ctx for the work itself and stops dispatching new checks once dispatch is done.
func (p *Poller) runCycle(ctx, dispatch context.Context) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	started := p.now()
	p.lastCycleUnixNano.Store(started.UTC().UnixNano())
	defer func() {
		d := p.now().Sub(started)
		p.lastCycleDurationNano.Store(int64(d))
		p.totalCycles.Add(1)
		p.metrics.CyclesTotal.Inc()
		p.metrics.CycleDuration.Observe(d.Seconds())
	}()

	pkgs, err := p.repo.ListActivePackages(ctx)
	if err != nil {
		slog.Error("list active packages", "error", err.Error())
		p.recordError(err)
		return
	}
	p.metrics.ActivePackages.Set(float64(len(pkgs)))
	if len(pkgs) == 0 {
		slog.Debug("no active packages to check")
		return
	}

	groups := make(map[models.Courier][]*models.Package)
	for _, pkg := range pkgs {
		groups[pkg.Courier] = append(groups[pkg.Courier], pkg)
	}

	clients := p.currentClients()
	var wg sync.WaitGroup
	for _, courier := range models.Couriers() {
		group := groups[courier]
		if len(group) == 0 {
			continue
		}
		client, ok := clients.Client(courier)
		if !ok {
			p.skipGroup(courier, skipNoClient, len(group))
			continue
		}
		fp := clients.Fingerprint(courier)
		if p.isSuspended(courier, fp) {
			p.skipGroup(courier, skipAuthSuspended, len(group))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runGroup(ctx, dispatch, courier, client, fp, group)
		}()
	}
	wg.Wait()
}

func (p *Poller) runGroup(ctx, dispatch context.Context, courier models.Courier, client carrier.Client, fp string, pkgs []*models.Package) {
	if a, ok := client.(carrier.Authenticator); ok {
		if err := a.Authenticate(ctx); err != nil {
			if carrier.IsAuth(err) {
				p.suspend(courier, fp, err)
				p.skipGroup(courier, skipAuthSuspended, len(pkgs))
			} else {
				p.skipGroup(courier, skipAuthFailed, len(pkgs))
			}
			slog.Error("courier authentication failed", "courier", courier, "error", err.Error())
			p.recordError(err)
			return
		}
	}

	slog.Info("checking packages", "courier", courier, "count", len(pkgs))

	sem := make(chan struct{}, p.courierLimit(courier))
	var wg sync.WaitGroup
	var authRejected atomic.Bool
	for _, pkg := range pkgs {
		select {
		case sem <- struct{}{}:
		case <-dispatch.Done():
		}
		if dispatch.Err() != nil {
			break
		}
		if authRejected.Load() {
			<-sem
			break
		}
		if !p.allow(ctx, courier) {
			<-sem
			continue
		}

		wg.Add(1)
		p.inFlight.Add(1)
		go func() {
			defer func() {
				p.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			err := p.processOne(ctx, courier, client, pkg)
			if carrier.IsAuth(err) && authRejected.CompareAndSwap(false, true) {
				p.suspend(courier, fp, err)
			}
		}()
	}
	wg.Wait()
}

func (p *Poller) processOne(ctx context.Context, courier models.Courier, client carrier.Client, pkg *models.Package) error {
	p.totalChecked.Add(1)

	sample, err := client.CheckStatus(ctx, pkg.TrackingNumber, pkg.Service)
	if err != nil {
		kind := carrier.KindOf(err)
		p.metrics.ChecksTotal.WithLabelValues(string(courier), kind.String()).Inc()
		p.totalErrors.Add(1)
		p.recordError(err)
		log := slog.Warn
		if kind == carrier.KindAuth || kind == carrier.KindMalformed {
			log = slog.Error
		}
		log("courier status check failed",
			"courier", courier, "tracking_number", pkg.TrackingNumber, "kind", kind.String(), "error", err.Error())
		return err
	}

	status := normalize.Status(courier, sample.RawCode)
	prev := pkg.CurrentStatus()
	if pkg.Latest != nil && pkg.Latest.Status == status && models.SameDescription(pkg.Latest.Description, sample.Description) {
		p.metrics.ChecksTotal.WithLabelValues(string(courier), "unchanged").Inc()
		return nil
	}

	checkedAt := p.now().UTC()
	written, err := p.repo.AppendStatusEvent(ctx, models.StatusEventInput{
		PackageID:         pkg.ID,
		Status:            status,
		Description:       sample.Description,
		LastKnownLocation: sample.Location,
		EstimatedArrival:  sample.ETA,
		CheckedAt:         checkedAt,
	})
	if err != nil {
		p.metrics.ChecksTotal.WithLabelValues(string(courier), "store_error").Inc()
		p.totalErrors.Add(1)
		p.recordError(err)
		slog.Error("append status event", "package_id", pkg.ID, "error", err.Error())
		return errors.Wrap(err, "append status event")
	}
	if !written {
		p.metrics.ChecksTotal.WithLabelValues(string(courier), "unchanged").Inc()
		return nil
	}

	p.totalChanged.Add(1)
	p.metrics.ChecksTotal.WithLabelValues(string(courier), "changed").Inc()
	p.metrics.EventsAppended.WithLabelValues(string(status)).Inc()
	if status != prev {
		slog.Info("package status changed",
			"tracking_number", pkg.TrackingNumber, "old_status", prev, "new_status", status)
	} else {
		slog.Info("package status details updated", "tracking_number", pkg.TrackingNumber, "status", status)
	}

	p.publish(ctx, pkg, prev, status, sample, checkedAt)
	return nil
}

// publish is best effort: the status row is already committed.
func (p *Poller) publish(ctx context.Context, pkg *models.Package, prev, status models.Status, s carrier.Sample, at time.Time) {
	if p.producer == nil {
		return
	}
	b, err := json.Marshal(messages.PackageStatusChanged{
		EventID:        uuid.NewString(),
		PackageID:      pkg.ID,
		TrackingNumber: pkg.TrackingNumber,
		Courier:        string(pkg.Courier),
		Status:         string(status),
		PreviousStatus: string(prev),
		Description:    s.Description,
		Location:       s.Location,
		ETA:            s.ETA,
		CheckedAt:      at,
	})
	if err != nil {
		slog.Error("marshal status change", "error", err.Error())
		return
	}
	if err := p.producer.Publish(ctx, p.topic, []byte(pkg.TrackingNumber), b); err != nil {
		slog.Warn("publish status change", "tracking_number", pkg.TrackingNumber, "error", err.Error())
	}
}

func (p *Poller) allow(ctx context.Context, courier models.Courier) bool {
	if p.rl == nil {
		return true
	}
	limit := p.rateLimitPerMinute
	if n, ok := p.courierRateLimits[courier]; ok {
		limit = n
	}
	if limit <= 0 {
		return true
	}
	key := rediscache.WindowKey("rl:courier:"+string(courier), p.now(), time.Minute)
	allowed, n, err := p.rl.Allow(ctx, key, limit, 70*time.Second)
	if err != nil {
		// лимитер недоступен: не останавливаем синхронизацию
		slog.Warn("rate limiter unavailable", "courier", courier, "error", err.Error())
		return true
	}
	if !allowed {
		slog.Warn("rate limit exceeded, deferring to next cycle", "courier", courier, "count", n)
		p.metrics.ChecksTotal.WithLabelValues(string(courier), "deferred").Inc()
	}
	return allowed
}

func (p *Poller) courierLimit(c models.Courier) int {
	if n, ok := p.courierConcurrency[c]; ok && n > 0 {
		return n
	}
	return p.concurrency
}

func (p *Poller) isSuspended(c models.Courier, fp string) bool {
	p.suspendedMu.Lock()
	defer p.suspendedMu.Unlock()
	susp, ok := p.suspended[c]
	if !ok {
		return false
	}
	if susp != fp {
		delete(p.suspended, c)
		return false
	}
	return true
}

func (p *Poller) suspend(c models.Courier, fp string, err error) {
	p.suspendedMu.Lock()
	p.suspended[c] = fp
	p.suspendedMu.Unlock()
	slog.Error("courier credentials rejected, suspending until they change", "courier", c, "error", err.Error())
}

func (p *Poller) skipGroup(c models.Courier, reason string, n int) {
	p.metrics.GroupsSkipped.WithLabelValues(string(c), reason).Inc()
	slog.Info("skipping courier group", "courier", c, "reason", reason, "packages", n)
}

func (p *Poller) recordError(err error) {
	p.lastErrorMu.Lock()
	p.lastError = err.Error()
	p.lastErrorMu.Unlock()
}
