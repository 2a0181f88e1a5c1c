package poller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/TrackMail/internal/integrations/carrier"
)

func TestPoller_Run_StopsOnContextCancel(t *testing.T) {
	repo := newMemRepo()
	p := New(repo, carrier.NewRegistry()).WithSettings(5*time.Millisecond, 1, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.GreaterOrEqual(t, repo.lists, 1)
}

func TestPoller_Run_FirstCycleIsImmediate(t *testing.T) {
	repo := newMemRepo()
	p := New(repo, carrier.NewRegistry()).WithSettings(time.Hour, 1, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Stats().TotalCycles == 1 }, time.Second, 5*time.Millisecond)
}

func TestPoller_Trigger(t *testing.T) {
	repo := newMemRepo()
	p := New(repo, carrier.NewRegistry()).WithSettings(time.Hour, 1, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Stats().TotalCycles == 1 }, time.Second, 5*time.Millisecond)
	p.Trigger()
	require.Eventually(t, func() bool { return p.Stats().TotalCycles == 2 }, time.Second, 5*time.Millisecond)
	require.NotNil(t, p.Stats().LastTriggerAt)
}

func TestPoller_Run_InFlightCheckFinishesWithinGrace(t *testing.T) {
	repo := newMemRepo(pkg(1, "FEDEX", "123456789012"))
	client := &gateClient{release: make(chan struct{})}
	reg := carrier.NewRegistry()
	reg.Register("FEDEX", client, "fp")
	p := New(repo, reg).WithSettings(time.Hour, 1, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Stats().InFlight == 1 }, time.Second, time.Millisecond)
	cancel()
	client.release <- struct{}{}

	require.ErrorIs(t, <-done, context.Canceled)
	require.Len(t, repo.statuses(1), 1)
}
