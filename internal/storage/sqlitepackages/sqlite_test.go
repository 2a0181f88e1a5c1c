package sqlitepackages

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/BearBump/TrackMail/internal/models"
	"github.com/BearBump/TrackMail/internal/storage"
)

func strp(s string) *string { return &s }

type RepoSuite struct {
	suite.Suite

	ctx context.Context
	st  *Storage
	now time.Time
}

func (s *RepoSuite) SetupTest() {
	st, err := New(":memory:")
	s.Require().NoError(err)
	s.st = st
	s.ctx = context.Background()
	s.now = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
}

func (s *RepoSuite) TearDownTest() {
	s.Require().NoError(s.st.Close())
}

func (s *RepoSuite) insert(number string, courier models.Courier) *models.Package {
	ok, err := s.st.InsertPackage(s.ctx, models.NewPackage{
		TrackingNumber:     number,
		Courier:            courier,
		Service:            "svc",
		SourceEmailUID:     7,
		SourceEmailSubject: strp("Shipped!"),
		SourceEmailFrom:    strp("ship@example.com"),
		SourceEmailDate:    s.now,
	})
	s.Require().NoError(err)
	s.Require().True(ok)

	for _, p := range s.mustList() {
		if p.TrackingNumber == number {
			return p
		}
	}
	s.FailNow("package not found after insert")
	return nil
}

func (s *RepoSuite) mustList() []*models.Package {
	out, err := s.st.ListPackages(s.ctx, 0, 0)
	s.Require().NoError(err)
	return out
}

func (s *RepoSuite) append(id uint64, st models.Status, desc *string) bool {
	ok, err := s.st.AppendStatusEvent(s.ctx, models.StatusEventInput{
		PackageID:         id,
		Status:            st,
		Description:       desc,
		LastKnownLocation: strp("Memphis, TN"),
		CheckedAt:         s.now,
	})
	s.Require().NoError(err)
	return ok
}

func (s *RepoSuite) TestInsertPackage_Once() {
	p := s.insert("123456789012", models.CourierFedEx)
	s.Equal(models.CourierFedEx, p.Courier)
	s.Equal(uint32(7), p.SourceEmailUID)
	s.Equal("Shipped!", *p.SourceEmailSubject)
	s.True(p.SourceEmailDate.Equal(s.now))
	s.Nil(p.Latest)

	ok, err := s.st.InsertPackage(s.ctx, models.NewPackage{
		TrackingNumber:  "123456789012",
		Courier:         models.CourierUSPS,
		SourceEmailDate: s.now,
	})
	s.Require().NoError(err)
	s.False(ok)

	all := s.mustList()
	s.Require().Len(all, 1)
	s.Equal(models.CourierFedEx, all[0].Courier)
}

func (s *RepoSuite) TestAppend_ChangeDetection() {
	p := s.insert("123456789012", models.CourierFedEx)

	s.True(s.append(p.ID, models.StatusWaiting, strp("Label created")))
	s.False(s.append(p.ID, models.StatusWaiting, strp("Label created")))
	s.True(s.append(p.ID, models.StatusInTransit, strp("Picked up")))
	s.True(s.append(p.ID, models.StatusInTransit, strp("Arrived at hub")))

	history, err := s.st.ListStatusEvents(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Require().Len(history, 3)
	s.Equal("Arrived at hub", *history[0].Description)
	s.Equal("Memphis, TN", *history[0].LastKnownLocation)
	s.Nil(history[0].EstimatedArrival)
	s.True(history[0].CheckedAt.Equal(s.now))
}

func (s *RepoSuite) TestAppend_DescriptionUniquePerPackage() {
	p := s.insert("123456789012", models.CourierFedEx)
	other := s.insert("987654321098", models.CourierFedEx)

	s.True(s.append(p.ID, models.StatusInTransit, strp("In transit")))
	s.True(s.append(p.ID, models.StatusInTransit, strp("At local facility")))
	// status differs from latest, but the description was already recorded
	s.False(s.append(p.ID, models.StatusInTransit, strp("In transit")))
	// another package may reuse it
	s.True(s.append(other.ID, models.StatusInTransit, strp("In transit")))

	history, err := s.st.ListStatusEvents(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Len(history, 2)
}

func (s *RepoSuite) TestAppend_NullDescriptionsRepeat() {
	p := s.insert("123456789012", models.CourierFedEx)

	s.True(s.append(p.ID, models.StatusWaiting, nil))
	s.False(s.append(p.ID, models.StatusWaiting, nil))
	s.True(s.append(p.ID, models.StatusInTransit, nil))
	s.True(s.append(p.ID, models.StatusInTransit, strp("Moving")))
	s.True(s.append(p.ID, models.StatusInTransit, nil))

	history, err := s.st.ListStatusEvents(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Len(history, 4)
}

func (s *RepoSuite) TestListActive_ExcludesDelivered() {
	a := s.insert("123456789012", models.CourierFedEx)
	b := s.insert("1Z999AA10123456784", models.CourierUPS)
	c := s.insert("9400100000000000000006", models.CourierUSPS)

	s.True(s.append(a.ID, models.StatusInTransit, strp("In transit")))
	s.True(s.append(b.ID, models.StatusDelivered, strp("Delivered")))

	active, err := s.st.ListActivePackages(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(active, 2)
	s.Equal(a.ID, active[0].ID)
	s.Equal(models.StatusInTransit, active[0].CurrentStatus())
	s.Equal(c.ID, active[1].ID)
	s.Equal(models.StatusWaiting, active[1].CurrentStatus())
}

func (s *RepoSuite) TestGetPackage() {
	p := s.insert("123456789012", models.CourierFedEx)
	s.True(s.append(p.ID, models.StatusDelivered, strp("Delivered")))

	got, err := s.st.GetPackage(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusDelivered, got.CurrentStatus())

	_, err = s.st.GetPackage(s.ctx, 999)
	s.ErrorIs(err, storage.ErrNotFound)
}

func (s *RepoSuite) TestAppend_UnknownPackage() {
	_, err := s.st.AppendStatusEvent(s.ctx, models.StatusEventInput{PackageID: 404, Status: models.StatusWaiting, CheckedAt: s.now})
	s.ErrorIs(err, storage.ErrNotFound)
}

func (s *RepoSuite) TestAppend_CancelledContextWritesNothing() {
	p := s.insert("123456789012", models.CourierFedEx)

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := s.st.AppendStatusEvent(ctx, models.StatusEventInput{PackageID: p.ID, Status: models.StatusInTransit, CheckedAt: s.now})
	s.Error(err)

	history, err := s.st.ListStatusEvents(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Empty(history)
}

func (s *RepoSuite) TestLastSeenUID() {
	uid, err := s.st.GetLastSeenUID(s.ctx)
	s.Require().NoError(err)
	s.Zero(uid)

	s.Require().NoError(s.st.SetLastSeenUID(s.ctx, 3))
	s.Require().NoError(s.st.SetLastSeenUID(s.ctx, 11))
	uid, err = s.st.GetLastSeenUID(s.ctx)
	s.Require().NoError(err)
	s.Equal(uint32(11), uid)
}

func TestRepoSuite(t *testing.T) {
	suite.Run(t, new(RepoSuite))
}

func TestStorage_ConcurrentAppendsKeepOneRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trackmail.db")
	st, err := New(path)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = st.InsertPackage(ctx, models.NewPackage{TrackingNumber: "A", Courier: models.CourierUPS, SourceEmailDate: time.Now()})
	require.NoError(t, err)
	all, err := st.ListPackages(ctx, 10, 0)
	require.NoError(t, err)
	id := all[0].ID

	var wg sync.WaitGroup
	var mu sync.Mutex
	written := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.AppendStatusEvent(ctx, models.StatusEventInput{
				PackageID: id, Status: models.StatusInTransit, Description: strp("On the Way"), CheckedAt: time.Now(),
			})
			if err == nil && ok {
				mu.Lock()
				written++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, written)
	require.NoError(t, st.Close())

	// reopening runs the schema bootstrap again over existing data
	st, err = New(path)
	require.NoError(t, err)
	defer st.Close()
	history, err := st.ListStatusEvents(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
}
