package pgpackages

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/BearBump/TrackMail/internal/models"
	"github.com/BearBump/TrackMail/internal/storage"
)

func startPostgres(t *testing.T) *Storage {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container test skipped in -short mode")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "trackmail_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/trackmail_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func strp(s string) *string { return &s }

func TestPGPackages_RepoFlow(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	// повторный запуск bootstrap не должен падать
	require.NoError(t, st.initSchema(ctx))

	np := models.NewPackage{
		TrackingNumber:     "123456789012",
		Courier:            models.CourierFedEx,
		Service:            "FedEx Express",
		SourceEmailUID:     42,
		SourceEmailSubject: strp("Your shipment"),
		SourceEmailDate:    now,
	}
	inserted, err := st.InsertPackage(ctx, np)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = st.InsertPackage(ctx, np)
	require.NoError(t, err)
	require.False(t, inserted)

	active, err := st.ListActivePackages(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	p := active[0]
	require.Equal(t, uint32(42), p.SourceEmailUID)
	require.Nil(t, p.SourceEmailFrom)
	require.Nil(t, p.Latest)
	require.Equal(t, models.StatusWaiting, p.CurrentStatus())

	steps := []struct {
		status models.Status
		desc   *string
		want   bool
	}{
		{models.StatusWaiting, strp("Label created"), true},
		{models.StatusWaiting, strp("Label created"), false},
		{models.StatusInTransit, strp("In transit"), true},
		{models.StatusInTransit, strp("Label created"), false}, // description seen before
		{models.StatusInTransit, nil, true},
		{models.StatusInTransit, nil, false},
		{models.StatusDelivered, strp("Delivered"), true},
	}
	for i, s := range steps {
		ok, err := st.AppendStatusEvent(ctx, models.StatusEventInput{
			PackageID:   p.ID,
			Status:      s.status,
			Description: s.desc,
			CheckedAt:   now.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		require.Equal(t, s.want, ok, "step %d", i)
	}

	history, err := st.ListStatusEvents(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	require.Equal(t, models.StatusDelivered, history[0].Status)
	require.Equal(t, "Label created", *history[3].Description)

	active, err = st.ListActivePackages(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	got, err := st.GetPackage(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, got.CurrentStatus())

	_, err = st.GetPackage(ctx, 9999)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = st.AppendStatusEvent(ctx, models.StatusEventInput{PackageID: 9999, Status: models.StatusWaiting, CheckedAt: now})
	require.ErrorIs(t, err, storage.ErrNotFound)

	all, err := st.ListPackages(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestPGPackages_LastSeenUID(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	uid, err := st.GetLastSeenUID(ctx)
	require.NoError(t, err)
	require.Zero(t, uid)

	require.NoError(t, st.SetLastSeenUID(ctx, 10))
	require.NoError(t, st.SetLastSeenUID(ctx, 17))
	uid, err = st.GetLastSeenUID(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(17), uid)
}
