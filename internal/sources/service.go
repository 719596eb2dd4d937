// Package sources manages the registered-source allow list and its API
// keys. This is thin administrative CRUD around the repository; the
// ingestion path only consults Allowed and ValidateAPIKey.
package sources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/openphc/cce-collector/internal/model"
	"github.com/openphc/cce-collector/internal/repository"
)

// Service manages source registrations.
type Service struct {
	repo repository.Repository
}

// NewService creates a source-registry service.
func NewService(repo repository.Repository) *Service {
	return &Service{repo: repo}
}

// Allowed reports whether the source URI belongs to an active registration.
func (s *Service) Allowed(ctx context.Context, sourceURI string) (bool, error) {
	reg, err := s.repo.GetSourceByURI(ctx, sourceURI)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return reg.Active, nil
}

// ValidateAPIKey reports whether the key matches any active registration.
func (s *Service) ValidateAPIKey(ctx context.Context, apiKey string) (bool, error) {
	if apiKey == "" {
		return false, nil
	}
	regs, err := s.repo.ListSources(ctx, true)
	if err != nil {
		return false, err
	}
	for i := range regs {
		if regs[i].APIKeyHash == "" {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(regs[i].APIKeyHash), []byte(apiKey)) == nil {
			return true, nil
		}
	}
	return false, nil
}

// Register creates a new source registration. The API key, when given, is
// stored as a bcrypt hash.
func (s *Service) Register(ctx context.Context, sourceURI, displayName, description, apiKey string, allowedTypes []string) (*model.SourceRegistration, error) {
	hash, err := hashAPIKey(apiKey)
	if err != nil {
		return nil, err
	}
	if allowedTypes == nil {
		allowedTypes = []string{}
	}

	now := time.Now().UTC()
	reg := &model.SourceRegistration{
		ID:           uuid.New(),
		SourceURI:    sourceURI,
		DisplayName:  displayName,
		Description:  description,
		Active:       true,
		APIKeyHash:   hash,
		AllowedTypes: allowedTypes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.InsertSource(ctx, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// Update overwrites a registration's mutable fields. A blank apiKey leaves
// the stored hash untouched.
func (s *Service) Update(ctx context.Context, id uuid.UUID, displayName, description string, active bool, apiKey string, allowedTypes []string) (*model.SourceRegistration, error) {
	reg, err := s.repo.GetSourceByID(ctx, id)
	if err != nil {
		return nil, err
	}

	reg.DisplayName = displayName
	reg.Description = description
	reg.Active = active
	if apiKey != "" {
		hash, err := hashAPIKey(apiKey)
		if err != nil {
			return nil, err
		}
		reg.APIKeyHash = hash
	}
	if allowedTypes != nil {
		reg.AllowedTypes = allowedTypes
	}
	reg.UpdatedAt = time.Now().UTC()

	if err := s.repo.UpdateSource(ctx, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// Deactivate disables a registration without deleting it.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) error {
	reg, err := s.repo.GetSourceByID(ctx, id)
	if err != nil {
		return err
	}
	reg.Active = false
	reg.UpdatedAt = time.Now().UTC()
	return s.repo.UpdateSource(ctx, reg)
}

// Get fetches one registration.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.SourceRegistration, error) {
	return s.repo.GetSourceByID(ctx, id)
}

// List returns all registrations, optionally active-only.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]model.SourceRegistration, error) {
	return s.repo.ListSources(ctx, activeOnly)
}

func hashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}
