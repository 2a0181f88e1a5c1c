// Package ingest turns email records into packages.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/BearBump/TrackMail/internal/broker/messages"
	"github.com/BearBump/TrackMail/internal/extractor"
	"github.com/BearBump/TrackMail/internal/metrics"
	"github.com/BearBump/TrackMail/internal/models"
)

type Repository interface {
	InsertPackage(ctx context.Context, p models.NewPackage) (bool, error)
}

// Cursor stores the highest mailbox UID already handed to the service.
type Cursor interface {
	GetLastSeenUID(ctx context.Context) (uint32, error)
	SetLastSeenUID(ctx context.Context, uid uint32) error
}

// Source fetches the emails newer than sinceUID.
type Source interface {
	Fetch(ctx context.Context, sinceUID uint32) ([]models.Email, error)
}

// email outcomes, also metric labels
const (
	resultSaved   = "saved"
	resultNoMatch = "no_match"
	resultFailed  = "failed"
	resultInvalid = "invalid"
)

type Result struct {
	Emails   int `json:"emails"`
	Found    int `json:"found"`
	Inserted int `json:"inserted"`
	Failed   int `json:"failed"`
}

func (r *Result) add(o Result) {
	r.Emails += o.Emails
	r.Found += o.Found
	r.Inserted += o.Inserted
	r.Failed += o.Failed
}

type Service struct {
	repo    Repository
	metrics *metrics.Metrics
	extract func(models.Email) []extractor.Candidate
}

func New(repo Repository) *Service {
	return &Service{
		repo:    repo,
		metrics: metrics.New(nil),
		extract: extractor.Extract,
	}
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	if m != nil {
		s.metrics = m
	}
	return s
}

// ProcessEmail extracts tracking numbers from one email and stores new packages.
// Known numbers are skipped silently; a failed insert does not stop the others.
func (s *Service) ProcessEmail(ctx context.Context, email models.Email) (Result, error) {
	res := Result{Emails: 1}

	candidates, err := s.safeExtract(email)
	if err != nil {
		s.metrics.EmailsProcessed.WithLabelValues(resultInvalid).Inc()
		slog.Error("extract tracking numbers", "uid", email.UID, "error", err.Error())
		return res, nil
	}
	res.Found = len(candidates)
	if len(candidates) == 0 {
		s.metrics.EmailsProcessed.WithLabelValues(resultNoMatch).Inc()
		slog.Debug("no tracking numbers in email", "uid", email.UID, "subject", email.Subject)
		return res, nil
	}

	var firstErr error
	for _, c := range candidates {
		inserted, err := s.repo.InsertPackage(ctx, newPackage(email, c))
		if err != nil {
			res.Failed++
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "insert package %s", c.TrackingNumber)
			}
			slog.Error("save package", "tracking_number", c.TrackingNumber, "error", err.Error())
			continue
		}
		if !inserted {
			slog.Debug("package already known", "tracking_number", c.TrackingNumber)
			continue
		}
		res.Inserted++
		s.metrics.PackagesDiscovered.WithLabelValues(string(c.Courier)).Inc()
		slog.Info("new package discovered",
			"tracking_number", c.TrackingNumber, "courier", c.Courier, "service", c.Service, "uid", email.UID)
	}

	if firstErr != nil {
		s.metrics.EmailsProcessed.WithLabelValues(resultFailed).Inc()
		return res, firstErr
	}
	s.metrics.EmailsProcessed.WithLabelValues(resultSaved).Inc()
	return res, nil
}

// ProcessEmails handles a batch; a bad email is logged and the batch goes on.
func (s *Service) ProcessEmails(ctx context.Context, emails []models.Email) Result {
	var total Result
	for _, e := range emails {
		if ctx.Err() != nil {
			break
		}
		res, err := s.ProcessEmail(ctx, e)
		if err != nil {
			slog.Warn("email processed with errors", "uid", e.UID, "error", err.Error())
		}
		total.add(res)
	}
	return total
}

// HandleMessage consumes one messages.EmailReceived record.
// Undecodable records are dropped; storage failures are returned so the record is redelivered.
func (s *Service) HandleMessage(ctx context.Context, key, value []byte) error {
	var msg messages.EmailReceived
	if err := json.Unmarshal(value, &msg); err != nil {
		s.metrics.EmailsProcessed.WithLabelValues(resultInvalid).Inc()
		slog.Error("bad email record, dropping", "key", string(key), "error", err.Error())
		return nil
	}
	_, err := s.ProcessEmail(ctx, models.Email{
		UID:     msg.UID,
		Subject: msg.Subject,
		From:    msg.From,
		Date:    msg.Date,
		Body:    msg.Body,
	})
	return err
}

// Collect runs one mailbox pass: fetch everything after the stored UID,
// process it and move the cursor to the highest UID seen.
func (s *Service) Collect(ctx context.Context, src Source, cursor Cursor) (Result, error) {
	last, err := cursor.GetLastSeenUID(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "get last seen uid")
	}

	emails, err := src.Fetch(ctx, last)
	if err != nil {
		return Result{}, errors.Wrap(err, "fetch emails")
	}
	slog.Info("new emails fetched", "count", len(emails), "last_seen_uid", last)

	res := s.ProcessEmails(ctx, emails)

	maxUID := last
	for _, e := range emails {
		if e.UID > maxUID {
			maxUID = e.UID
		}
	}
	if maxUID != last {
		if err := cursor.SetLastSeenUID(ctx, maxUID); err != nil {
			return res, errors.Wrap(err, "set last seen uid")
		}
	}
	return res, nil
}

func (s *Service) safeExtract(email models.Email) (out []extractor.Candidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extractor panic: %v", r)
		}
	}()
	return s.extract(email), nil
}

func newPackage(email models.Email, c extractor.Candidate) models.NewPackage {
	return models.NewPackage{
		TrackingNumber:     c.TrackingNumber,
		Courier:            c.Courier,
		Service:            c.Service,
		SourceEmailUID:     email.UID,
		SourceEmailSubject: optional(email.Subject),
		SourceEmailFrom:    optional(email.From),
		SourceEmailDate:    email.Date,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
