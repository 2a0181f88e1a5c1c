package packages

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/BearBump/TrackMail/internal/broker/messages"
	cachemocks "github.com/BearBump/TrackMail/internal/cache/mocks"
	"github.com/BearBump/TrackMail/internal/models"
	"github.com/BearBump/TrackMail/internal/storage"

	packagesmocks "github.com/BearBump/TrackMail/internal/services/packages/mocks"
)

type ServiceSuite struct {
	suite.Suite

	repo  *packagesmocks.MockRepository
	cache *cachemocks.MockBytesCache
	svc   *Service
}

func (s *ServiceSuite) SetupTest() {
	s.repo = &packagesmocks.MockRepository{}
	s.cache = &cachemocks.MockBytesCache{}
	s.svc = New(s.repo, s.cache, 10*time.Minute)
}

func (s *ServiceSuite) TestListPackages_ClampsLimit() {
	s.repo.On("ListPackages", mock.Anything, storage.DefaultListLimit, 0).
		Return([]*models.Package{{ID: 1}}, nil).
		Once()

	out, err := s.svc.ListPackages(context.Background(), 100_000, -5)
	s.Require().NoError(err)
	s.Require().Len(out, 1)
	s.repo.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestGetPackage_CacheHit_NoDB() {
	p := &models.Package{ID: 7, TrackingNumber: "1Z999AA10123456784", Courier: models.CourierUPS}
	b, _ := json.Marshal(p)
	s.cache.On("Get", mock.Anything, "package:7:current").Return(b, true, nil).Once()

	out, err := s.svc.GetPackage(context.Background(), 7)
	s.Require().NoError(err)
	s.Require().Equal("1Z999AA10123456784", out.TrackingNumber)

	// БД не трогаем
	s.repo.AssertNotCalled(s.T(), "GetPackage", mock.Anything, mock.Anything)
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestGetPackage_CacheMiss_StoresResult() {
	s.cache.On("Get", mock.Anything, "package:3:current").Return([]byte(nil), false, nil).Once()
	s.repo.On("GetPackage", mock.Anything, uint64(3)).Return(&models.Package{ID: 3}, nil).Once()
	s.cache.On("Set", mock.Anything, "package:3:current", mock.Anything, 10*time.Minute).
		Return(errors.New("set failed")).
		Once()

	out, err := s.svc.GetPackage(context.Background(), 3)
	s.Require().NoError(err)
	s.Require().Equal(uint64(3), out.ID)
	s.repo.AssertExpectations(s.T())
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestGetPackage_CacheErrorAndBadJSON_AreMisses() {
	s.cache.On("Get", mock.Anything, "package:1:current").Return([]byte(nil), false, errors.New("redis down")).Once()
	s.cache.On("Get", mock.Anything, "package:2:current").Return([]byte("not-json"), true, nil).Once()
	s.repo.On("GetPackage", mock.Anything, uint64(1)).Return(&models.Package{ID: 1}, nil).Once()
	s.repo.On("GetPackage", mock.Anything, uint64(2)).Return(&models.Package{ID: 2}, nil).Once()
	s.cache.On("Set", mock.Anything, mock.Anything, mock.Anything, 10*time.Minute).Return(nil).Twice()

	_, err := s.svc.GetPackage(context.Background(), 1)
	s.Require().NoError(err)
	_, err = s.svc.GetPackage(context.Background(), 2)
	s.Require().NoError(err)
	s.repo.AssertExpectations(s.T())
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestGetPackage_CacheDisabled() {
	svc := New(s.repo, s.cache, 0)
	s.repo.On("GetPackage", mock.Anything, uint64(4)).Return(&models.Package{ID: 4}, nil).Once()

	_, err := svc.GetPackage(context.Background(), 4)
	s.Require().NoError(err)
	s.cache.AssertNotCalled(s.T(), "Get", mock.Anything, mock.Anything)
	s.cache.AssertNotCalled(s.T(), "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestGetPackage_NotFoundAndZeroID() {
	_, err := s.svc.GetPackage(context.Background(), 0)
	s.Require().Error(err)

	svc := New(s.repo, nil, 0)
	s.repo.On("GetPackage", mock.Anything, uint64(9)).Return((*models.Package)(nil), storage.ErrNotFound).Once()
	_, err = svc.GetPackage(context.Background(), 9)
	s.Require().ErrorIs(err, storage.ErrNotFound)
}

func (s *ServiceSuite) TestHistory() {
	svc := New(s.repo, nil, 0)
	evs := []*models.StatusEvent{{ID: 2, PackageID: 5, Status: models.StatusInTransit}, {ID: 1, PackageID: 5}}
	s.repo.On("GetPackage", mock.Anything, uint64(5)).Return(&models.Package{ID: 5}, nil).Once()
	s.repo.On("ListStatusEvents", mock.Anything, uint64(5)).Return(evs, nil).Once()

	out, err := svc.History(context.Background(), 5)
	s.Require().NoError(err)
	s.Require().Len(out, 2)
	s.repo.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestHistory_UnknownPackage() {
	svc := New(s.repo, nil, 0)
	s.repo.On("GetPackage", mock.Anything, uint64(8)).Return((*models.Package)(nil), storage.ErrNotFound).Once()

	_, err := svc.History(context.Background(), 8)
	s.Require().ErrorIs(err, storage.ErrNotFound)
	s.repo.AssertNotCalled(s.T(), "ListStatusEvents", mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestApplyStatusChange_RefreshesCache() {
	s.repo.On("GetPackage", mock.Anything, uint64(10)).
		Return(&models.Package{ID: 10, Latest: &models.StatusEvent{Status: models.StatusDelivered}}, nil).
		Once()
	s.cache.On("Set", mock.Anything, "package:10:current", mock.MatchedBy(func(b []byte) bool {
		var p models.Package
		return json.Unmarshal(b, &p) == nil && p.CurrentStatus() == models.StatusDelivered
	}), 10*time.Minute).Return(nil).Once()

	s.Require().NoError(s.svc.ApplyStatusChange(context.Background(), messages.PackageStatusChanged{PackageID: 10}))
	s.repo.AssertExpectations(s.T())
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestApplyStatusChange_ReloadErrorDropsEntry() {
	want := errors.New("db error")
	s.repo.On("GetPackage", mock.Anything, uint64(11)).Return((*models.Package)(nil), want).Once()
	s.cache.On("Del", mock.Anything, "package:11:current").Return(nil).Once()

	err := s.svc.ApplyStatusChange(context.Background(), messages.PackageStatusChanged{PackageID: 11})
	s.Require().ErrorIs(err, want)
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestApplyStatusChange_Validation() {
	s.Require().Error(s.svc.ApplyStatusChange(context.Background(), messages.PackageStatusChanged{}))

	svc := New(s.repo, nil, 0)
	s.Require().NoError(svc.ApplyStatusChange(context.Background(), messages.PackageStatusChanged{PackageID: 5}))
	s.repo.AssertNotCalled(s.T(), "GetPackage", mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestHandleStatusChanged_BadJSONDropped() {
	s.Require().NoError(s.svc.HandleStatusChanged(context.Background(), []byte("k"), []byte("{")))
	s.repo.AssertNotCalled(s.T(), "GetPackage", mock.Anything, mock.Anything)
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}
