// Package packages serves the read side: package lists, status history and number checks.
package packages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/TrackMail/internal/broker/messages"
	"github.com/BearBump/TrackMail/internal/cache"
	"github.com/BearBump/TrackMail/internal/extractor"
	"github.com/BearBump/TrackMail/internal/models"
	"github.com/BearBump/TrackMail/internal/storage"
)

const MaxValidateItems = 1000

type Repository interface {
	ListPackages(ctx context.Context, limit, offset int) ([]*models.Package, error)
	GetPackage(ctx context.Context, id uint64) (*models.Package, error)
	ListStatusEvents(ctx context.Context, packageID uint64) ([]*models.StatusEvent, error)
}

type Service struct {
	repo       Repository
	cache      cache.BytesCache
	currentTTL time.Duration
}

func New(repo Repository, c cache.BytesCache, currentTTL time.Duration) *Service {
	return &Service{repo: repo, cache: c, currentTTL: currentTTL}
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.currentTTL > 0
}

func (s *Service) ListPackages(ctx context.Context, limit, offset int) ([]*models.Package, error) {
	limit, offset = storage.ClampLimit(limit, offset)
	return s.repo.ListPackages(ctx, limit, offset)
}

// GetPackage returns one package with its current status.
// Кэш best-effort: ошибки redis просто ведут в БД.
func (s *Service) GetPackage(ctx context.Context, id uint64) (*models.Package, error) {
	if id == 0 {
		return nil, errors.New("package id is required")
	}
	if s.cacheEnabled() {
		b, ok, err := s.cache.Get(ctx, currentKey(id))
		if err == nil && ok {
			var p models.Package
			if json.Unmarshal(b, &p) == nil {
				return &p, nil
			}
		}
	}

	p, err := s.repo.GetPackage(ctx, id)
	if err != nil {
		return nil, err
	}
	s.store(ctx, p)
	return p, nil
}

// History lists the status events of a package, newest first.
func (s *Service) History(ctx context.Context, id uint64) ([]*models.StatusEvent, error) {
	if _, err := s.GetPackage(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListStatusEvents(ctx, id)
}

type Match struct {
	Courier models.Courier `json:"courier"`
	Service string         `json:"service"`
}

type Validation struct {
	Input          string  `json:"input"`
	TrackingNumber string  `json:"tracking_number,omitempty"`
	Valid          bool    `json:"valid"`
	Matches        []Match `json:"matches,omitempty"`
}

// Validate reports which couriers a bare number could belong to by format and check digit.
func (s *Service) Validate(numbers []string) ([]Validation, error) {
	if len(numbers) == 0 {
		return nil, errors.New("numbers is empty")
	}
	if len(numbers) > MaxValidateItems {
		return nil, fmt.Errorf("too many numbers (max %d)", MaxValidateItems)
	}

	out := make([]Validation, 0, len(numbers))
	seen := make(map[string]struct{}, len(numbers))
	for _, n := range numbers {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, errors.New("number must not be empty")
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}

		v := Validation{Input: n}
		for _, c := range extractor.Identify(n) {
			v.TrackingNumber = c.TrackingNumber
			v.Matches = append(v.Matches, Match{Courier: c.Courier, Service: c.Service})
		}
		v.Valid = len(v.Matches) > 0
		out = append(out, v)
	}
	return out, nil
}

// ApplyStatusChange refreshes the cached current status after the worker committed a change.
func (s *Service) ApplyStatusChange(ctx context.Context, msg messages.PackageStatusChanged) error {
	if msg.PackageID == 0 {
		return errors.New("package_id is required")
	}
	if !s.cacheEnabled() {
		return nil
	}
	p, err := s.repo.GetPackage(ctx, msg.PackageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		// старую запись лучше убрать, чем отдавать устаревший статус
		_ = s.cache.Del(ctx, currentKey(msg.PackageID))
		return err
	}
	s.store(ctx, p)
	return nil
}

// HandleStatusChanged consumes one messages.PackageStatusChanged record.
func (s *Service) HandleStatusChanged(ctx context.Context, key, value []byte) error {
	var msg messages.PackageStatusChanged
	if err := json.Unmarshal(value, &msg); err != nil {
		slog.Error("bad status change record, dropping", "key", string(key), "error", err.Error())
		return nil
	}
	return s.ApplyStatusChange(ctx, msg)
}

func (s *Service) store(ctx context.Context, p *models.Package) {
	if !s.cacheEnabled() {
		return
	}
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, currentKey(p.ID), b, s.currentTTL)
}

func currentKey(id uint64) string {
	return fmt.Sprintf("package:%d:current", id)
}
