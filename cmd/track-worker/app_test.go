package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/TrackMail/config"
	"github.com/BearBump/TrackMail/internal/cache/rediscache"
	"github.com/BearBump/TrackMail/internal/integrations/carrier"
	"github.com/BearBump/TrackMail/internal/integrations/carrier/fake"
	"github.com/BearBump/TrackMail/internal/integrations/carrier/fedex"
	"github.com/BearBump/TrackMail/internal/integrations/carrier/tokencache"
	"github.com/BearBump/TrackMail/internal/integrations/carrier/ups"
	"github.com/BearBump/TrackMail/internal/integrations/carrier/upsweb"
	"github.com/BearBump/TrackMail/internal/integrations/carrier/usps"
	"github.com/BearBump/TrackMail/internal/models"
	"github.com/BearBump/TrackMail/internal/services/packages"
	"github.com/BearBump/TrackMail/internal/services/poller"
	"github.com/BearBump/TrackMail/internal/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	pkgs    map[uint64]*models.Package
	events  map[uint64][]*models.StatusEvent
	pingErr error
	closed  bool
}

func newFakeStore(pkgs ...*models.Package) *fakeStore {
	s := &fakeStore{pkgs: map[uint64]*models.Package{}, events: map[uint64][]*models.StatusEvent{}}
	for _, p := range pkgs {
		s.pkgs[p.ID] = p
	}
	return s
}

func (s *fakeStore) ListActivePackages(ctx context.Context) ([]*models.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Package
	for _, p := range s.pkgs {
		if !p.CurrentStatus().Terminal() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) AppendStatusEvent(ctx context.Context, in models.StatusEventInput) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := &models.StatusEvent{
		ID:          uint64(len(s.events[in.PackageID]) + 1),
		PackageID:   in.PackageID,
		Status:      in.Status,
		Description: in.Description,
		CheckedAt:   in.CheckedAt,
	}
	s.events[in.PackageID] = append(s.events[in.PackageID], ev)
	if p, ok := s.pkgs[in.PackageID]; ok {
		p.Latest = ev
	}
	return true, nil
}

func (s *fakeStore) ListPackages(ctx context.Context, limit, offset int) ([]*models.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Package, 0, len(s.pkgs))
	for _, p := range s.pkgs {
		out = append(out, p)
	}
	return out, nil
}

func (s *fakeStore) GetPackage(ctx context.Context, id uint64) (*models.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pkgs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) ListStatusEvents(ctx context.Context, packageID uint64) ([]*models.StatusEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[packageID], nil
}

func (s *fakeStore) Ping(ctx context.Context) error { return s.pingErr }

func (s *fakeStore) Close() error {
	s.closed = true
	return nil
}

func writeSwagger(t *testing.T) string {
	t.Helper()
	sw := filepath.Join(t.TempDir(), "worker.swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))
	return sw
}

func TestBuildRegistry_FakeMode(t *testing.T) {
	cfg := &config.Config{Couriers: config.CouriersConfig{Mode: config.ModeFake}}
	reg := buildRegistry(cfg, tokencache.New(nil))

	for _, c := range models.Couriers() {
		client, ok := reg.Client(c)
		require.True(t, ok, c)
		_, isFake := client.(*fake.FakeClient)
		require.True(t, isFake)
		require.Equal(t, "fake", reg.Fingerprint(c))
	}
}

func TestBuildRegistry_WithoutCredentials(t *testing.T) {
	cfg := &config.Config{Couriers: config.CouriersConfig{Mode: config.ModeLive, UPSWebBaseURL: "http://localhost:1"}}
	reg := buildRegistry(cfg, tokencache.New(nil))

	_, ok := reg.Client(models.CourierFedEx)
	require.False(t, ok)
	_, ok = reg.Client(models.CourierUSPS)
	require.False(t, ok)

	client, ok := reg.Client(models.CourierUPS)
	require.True(t, ok)
	_, isWeb := client.(*upsweb.Client)
	require.True(t, isWeb)
}

func TestBuildRegistry_WithCredentials(t *testing.T) {
	creds := config.CourierCredentials{ClientID: "id", ClientSecret: "secret", BaseURL: "http://localhost:1"}
	cfg := &config.Config{Couriers: config.CouriersConfig{
		Mode:  config.ModeLive,
		FedEx: creds,
		UPS:   creds,
		USPS:  creds,
	}}
	reg := buildRegistry(cfg, tokencache.New(nil))

	c, ok := reg.Client(models.CourierFedEx)
	require.True(t, ok)
	_, ok = c.(*fedex.Client)
	require.True(t, ok)

	c, ok = reg.Client(models.CourierUPS)
	require.True(t, ok)
	_, ok = c.(*ups.Client)
	require.True(t, ok)

	c, ok = reg.Client(models.CourierUSPS)
	require.True(t, ok)
	_, ok = c.(*usps.Client)
	require.True(t, ok)

	require.Equal(t, credentialFingerprint(creds), reg.Fingerprint(models.CourierFedEx))

	rotated := creds
	rotated.ClientSecret = "other"
	require.NotEqual(t, credentialFingerprint(creds), credentialFingerprint(rotated))
}

func TestCourierInts_SkipsUnknownNames(t *testing.T) {
	out := courierInts(map[string]int{"fedex": 2, "UPS": 3, "dhl": 9})
	require.Equal(t, map[models.Courier]int{models.CourierFedEx: 2, models.CourierUPS: 3}, out)
	require.Equal(t, map[models.Courier]int64{models.CourierFedEx: 2, models.CourierUPS: 3}, courierInt64s(map[string]int{"fedex": 2, "UPS": 3}))
}

func TestDefaultWorkerFactories_DisabledBackends(t *testing.T) {
	f := defaultWorkerFactories()
	cfg := &config.Config{}
	require.Nil(t, f.newProducer(cfg))
	require.Nil(t, f.newRedis(cfg))
	require.Nil(t, f.newStatusConsumer(cfg))

	cfg = &config.Config{
		Kafka: config.KafkaConfig{Host: "localhost", Port: 9092, StatusChangedTopicName: "t"},
		Redis: config.RedisConfig{Host: "localhost", Port: 6379},
	}
	require.NotNil(t, f.newProducer(cfg))
	rc := f.newRedis(cfg)
	require.NotNil(t, rc)
	_ = rc.Close()
	c := f.newStatusConsumer(cfg)
	require.NotNil(t, c)
	_ = c.Close()
}

func TestRunTrackWorker_ContextCanceled(t *testing.T) {
	store := newFakeStore()
	f := workerFactories{
		newStore:          func(cfg *config.Config) (Store, error) { return store, nil },
		newProducer:       func(cfg *config.Config) poller.Producer { return nil },
		newRedis:          func(cfg *config.Config) *rediscache.RedisCache { return nil },
		newStatusConsumer: func(cfg *config.Config) statusConsumer { return nil },
	}

	cfg := &config.Config{
		Couriers: config.CouriersConfig{Mode: config.ModeFake},
		Sync:     config.SyncConfig{IntervalSeconds: 1, Concurrency: 1},
		Worker:   config.WorkerConfig{HTTPAddr: "127.0.0.1:0", SwaggerPath: writeSwagger(t)},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunTrackWorker(ctx, cfg, "", f)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, isShutdown(err))
	require.True(t, store.closed)
}

func TestRunWorkerHTTPServer_MissingSwagger(t *testing.T) {
	err := runWorkerHTTPServer(context.Background(), workerHTTPOpts{
		httpAddr:    "127.0.0.1:0",
		swaggerPath: filepath.Join(t.TempDir(), "nope.json"),
	})
	require.Error(t, err)
}

func TestRunWorkerHTTPServer_ServesAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    "127.0.0.1:0",
			swaggerPath: writeSwagger(t),
			onListen:    func(addr string) { addrCh <- addr },
		})
	}()

	addr := <-addrCh
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + addr + "/swagger.json")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Contains(t, string(body), `"swagger"`)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting server to stop")
	}
}

func newTestRouter(t *testing.T, store *fakeStore) (http.Handler, *poller.Poller) {
	t.Helper()
	reg := carrier.NewRegistry()
	reg.Register(models.CourierFedEx, fake.New(models.CourierFedEx), "fake")
	p := poller.New(store, reg)
	cfg := (&config.Config{Couriers: config.CouriersConfig{
		FedEx: config.CourierCredentials{ClientID: "id", ClientSecret: "topsecret"},
	}}).Sanitized()

	return newWorkerRouter(workerHTTPOpts{
		swaggerPath: writeSwagger(t),
		poller:      p,
		packages:    packages.New(store, nil, time.Minute),
		cfg:         &cfg,
		ready:       store.Ping,
	}), p
}

func doRequest(h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWorkerRouter_HealthAndReadiness(t *testing.T) {
	store := newFakeStore()
	h, _ := newTestRouter(t, store)

	require.Equal(t, http.StatusOK, doRequest(h, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, doRequest(h, http.MethodGet, "/readyz", nil).Code)

	store.pingErr = context.DeadlineExceeded
	rec := doRequest(h, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWorkerRouter_ConfigIsMasked(t *testing.T) {
	h, _ := newTestRouter(t, newFakeStore())

	rec := doRequest(h, http.MethodGet, "/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "topsecret")
	require.Contains(t, rec.Body.String(), "******")
}

func TestWorkerRouter_TriggerAndStats(t *testing.T) {
	store := newFakeStore(&models.Package{ID: 1, TrackingNumber: "123456789012", Courier: models.CourierFedEx})
	h, p := newTestRouter(t, store)

	rec := doRequest(h, http.MethodPost, "/trigger", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	p.RunCycle(context.Background())

	rec = doRequest(h, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st poller.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.EqualValues(t, 1, st.TotalCycles)
	require.EqualValues(t, 1, st.TotalChecked)
	require.NotNil(t, st.LastTriggerAt)
}

func TestWorkerRouter_Packages(t *testing.T) {
	store := newFakeStore(&models.Package{ID: 7, TrackingNumber: "123456789012", Courier: models.CourierFedEx})
	_, err := store.AppendStatusEvent(context.Background(), models.StatusEventInput{
		PackageID: 7, Status: models.StatusInTransit, CheckedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	h, _ := newTestRouter(t, store)

	rec := doRequest(h, http.MethodGet, "/packages?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"tracking_number":"123456789012"`)

	rec = doRequest(h, http.MethodGet, "/packages/7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p models.Package
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.Equal(t, models.StatusInTransit, p.CurrentStatus())

	rec = doRequest(h, http.MethodGet, "/packages/7/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"in_transit"`)

	require.Equal(t, http.StatusNotFound, doRequest(h, http.MethodGet, "/packages/8", nil).Code)
	require.Equal(t, http.StatusNotFound, doRequest(h, http.MethodGet, "/packages/8/history", nil).Code)
	require.Equal(t, http.StatusBadRequest, doRequest(h, http.MethodGet, "/packages/abc", nil).Code)
	require.Equal(t, http.StatusBadRequest, doRequest(h, http.MethodGet, "/packages?limit=x", nil).Code)
}

func TestWorkerRouter_Validate(t *testing.T) {
	h, _ := newTestRouter(t, newFakeStore())

	rec := doRequest(h, http.MethodPost, "/packages/validate", []byte(`{"numbers":["nothing here"]}`))
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Results []packages.Validation `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Results, 1)
	require.False(t, out.Results[0].Valid)

	require.Equal(t, http.StatusBadRequest, doRequest(h, http.MethodPost, "/packages/validate", []byte(`{"numbers":[]}`)).Code)
	require.Equal(t, http.StatusBadRequest, doRequest(h, http.MethodPost, "/packages/validate", []byte(`{`)).Code)
}

func TestWatchConfig_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	write := func(mode string) {
		data := "database:\n  driver: sqlite\n  path: " + filepath.Join(dir, "x.db") + "\ncouriers:\n  mode: " + mode + "\n"
		require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	}
	write("live")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *config.Config, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- watchConfig(ctx, path, func(c *config.Config) { changed <- c })
	}()

	// watcher must be registered before the write
	time.Sleep(100 * time.Millisecond)
	write("fake")

	// a truncating write may be seen half-done first
	deadline := time.After(3 * time.Second)
	for mode := ""; mode != config.ModeFake; {
		select {
		case c := <-changed:
			mode = c.Couriers.Mode
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}

	cancel()
	require.NoError(t, <-errCh)
}
