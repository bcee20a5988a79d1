// Package service exposes the thin accession façade consumed by the HTTP
// layer. Creation returns immediately with a pending accession; all lifecycle
// progression happens asynchronously in the orchestrator.
package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/archivelab/accessioner/internal/accession"
)

// Accessions validates and persists accession requests.
type Accessions struct {
	repo     accession.Repository
	subjects accession.SubjectDirectory
	ids      accession.IDGenerator
	logger   *zap.Logger
}

// NewAccessions constructs the façade.
func NewAccessions(
	repo accession.Repository,
	subjects accession.SubjectDirectory,
	ids accession.IDGenerator,
	logger *zap.Logger,
) *Accessions {
	return &Accessions{
		repo:     repo,
		subjects: subjects,
		ids:      ids,
		logger:   logger,
	}
}

// CreateRequest carries the caller-supplied fields for a new accession.
type CreateRequest struct {
	URL         string
	Title       string
	Description string
	SubjectIDs  []int32
}

// Create validates the request, persists a pending accession, and returns it.
func (s *Accessions) Create(ctx context.Context, req CreateRequest) (accession.Accession, error) {
	seedURL := strings.TrimSpace(req.URL)
	if err := validateSeedURL(seedURL); err != nil {
		return accession.Accession{}, err
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		return accession.Accession{}, &accession.ValidationError{Field: "title", Reason: "must not be empty"}
	}

	ok, err := s.subjects.SubjectsExist(ctx, req.SubjectIDs)
	if err != nil {
		return accession.Accession{}, fmt.Errorf("check subjects: %w", err)
	}
	if !ok {
		return accession.Accession{}, &accession.ValidationError{Field: "subject_ids", Reason: "references unknown subjects"}
	}

	id, err := s.ids.NewRawID()
	if err != nil {
		return accession.Accession{}, fmt.Errorf("generate accession id: %w", err)
	}

	acc, err := s.repo.Create(ctx, accession.Draft{
		ID:          id,
		SeedURL:     seedURL,
		Title:       title,
		Description: strings.TrimSpace(req.Description),
		SubjectIDs:  req.SubjectIDs,
	})
	if err != nil {
		return accession.Accession{}, fmt.Errorf("create accession: %w", err)
	}

	s.logger.Info("accession created",
		zap.String("accession_id", acc.ID.String()),
		zap.String("url", acc.SeedURL),
	)
	return acc, nil
}

// Get returns one accession or accession.ErrNotFound.
func (s *Accessions) Get(ctx context.Context, id uuid.UUID) (accession.Accession, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns one page of accessions in the given status. Page is 1-based.
func (s *Accessions) List(ctx context.Context, status accession.Status, limit, page int) ([]accession.Accession, error) {
	if !status.Valid() {
		return nil, &accession.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	if page < 1 {
		return nil, &accession.ValidationError{Field: "page", Reason: "must be >= 1"}
	}
	return s.repo.ListByStatus(ctx, status, limit, (page-1)*limit)
}

func validateSeedURL(raw string) error {
	if raw == "" {
		return &accession.ValidationError{Field: "url", Reason: "must not be empty"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &accession.ValidationError{Field: "url", Reason: "is not a valid URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &accession.ValidationError{Field: "url", Reason: "scheme must be http or https"}
	}
	if u.Host == "" {
		return &accession.ValidationError{Field: "url", Reason: "is missing a host"}
	}
	return nil
}
