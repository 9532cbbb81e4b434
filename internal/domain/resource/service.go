package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ResourceValidator checks a document before it is written. Implementations
// may enforce profiles or terminology; the service only requires structural
// validity itself.
type ResourceValidator interface {
	Validate(ctx context.Context, resourceType string, doc json.RawMessage) error
}

// Service owns the versioning rules: version numbers are assigned here, never
// by callers, and every write appends a new immutable version.
type Service struct {
	repo      Repository
	validator ResourceValidator
	log       zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, log: logger.With().Str("component", "resource").Logger()}
}

// WithValidator installs an optional document validator applied on Create and
// Update before any write.
func (s *Service) WithValidator(v ResourceValidator) *Service {
	s.validator = v
	return s
}

func (s *Service) validate(ctx context.Context, resourceType string, doc json.RawMessage) error {
	if err := ValidateDocument(resourceType, doc); err != nil {
		return err
	}
	if s.validator != nil {
		if err := s.validator.Validate(ctx, resourceType, doc); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return nil
}

// Create stores a document as version 1 of a new record. When the document
// carries an id it becomes the FHIR id and an existing live record with that
// id is a conflict; otherwise a fresh id is generated. Creating over a
// deleted id appends the next version instead of starting over.
func (s *Service) Create(ctx context.Context, resourceType string, doc json.RawMessage) (*Record, error) {
	if err := s.validate(ctx, resourceType, doc); err != nil {
		return nil, err
	}

	fhirID := DocumentID(doc)
	if fhirID == "" {
		fhirID = uuid.New().String()
	}

	if _, err := s.repo.GetByFHIRID(ctx, resourceType, fhirID); err == nil {
		return nil, fmt.Errorf("%w: %s/%s already exists", ErrConflict, resourceType, fhirID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// A previously deleted id comes back as the next version so the history
	// chain, deletion marker included, stays intact.
	version := 1
	if prior, _, err := s.repo.History(ctx, resourceType, fhirID, 1, 0, true); err == nil && len(prior) > 0 {
		version = prior[0].VersionID + 1
	}

	rec, err := s.newVersion(resourceType, fhirID, version, doc)
	if err != nil {
		return nil, err
	}
	saved, err := s.repo.SaveNewVersion(ctx, rec)
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("resource", saved.CompositeKey()).Msg("resource created")
	return saved, nil
}

// Update appends the next version of an existing record. expectedVersion 0
// means unconditional; a non-zero value that does not match the current
// version is a conflict.
func (s *Service) Update(ctx context.Context, resourceType, fhirID string, doc json.RawMessage, expectedVersion int) (*Record, error) {
	if err := s.validate(ctx, resourceType, doc); err != nil {
		return nil, err
	}
	if docID := DocumentID(doc); docID != "" && docID != fhirID {
		return nil, fmt.Errorf("%w: document id %q does not match %s/%s", ErrInvalid, docID, resourceType, fhirID)
	}

	current, err := s.repo.GetByFHIRID(ctx, resourceType, fhirID)
	if err != nil {
		return nil, err
	}
	if expectedVersion != 0 && expectedVersion != current.VersionID {
		return nil, fmt.Errorf("%w: %s/%s is at version %d, expected %d",
			ErrConflict, resourceType, fhirID, current.VersionID, expectedVersion)
	}

	rec, err := s.newVersion(resourceType, fhirID, current.VersionID+1, doc)
	if err != nil {
		return nil, err
	}
	rec.CreatedBy = current.CreatedBy
	saved, err := s.repo.SaveNewVersion(ctx, rec)
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("resource", saved.CompositeKey()).Int("version", saved.VersionID).Msg("resource updated")
	return saved, nil
}

// Delete appends a deletion marker as the next version. Deleting an already
// deleted or unknown record reports not found.
func (s *Service) Delete(ctx context.Context, resourceType, fhirID, reason string) (*Record, error) {
	rec, err := s.repo.SoftDelete(ctx, resourceType, fhirID, reason)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("resource", rec.CompositeKey()).Int("version", rec.VersionID).Msg("resource deleted")
	return rec, nil
}

// Get returns the current version, or not found when the record is unknown or
// its latest version is a deletion marker.
func (s *Service) Get(ctx context.Context, resourceType, fhirID string) (*Record, error) {
	return s.repo.GetByFHIRID(ctx, resourceType, fhirID)
}

// GetVersion returns one specific version, deletion markers included.
func (s *Service) GetVersion(ctx context.Context, resourceType, fhirID string, versionID int) (*Record, error) {
	return s.repo.GetVersion(ctx, resourceType, fhirID, versionID)
}

// History returns versions newest first along with the total count.
func (s *Service) History(ctx context.Context, resourceType, fhirID string, limit, offset int, includeDeleted bool) ([]*Record, int, error) {
	return s.repo.History(ctx, resourceType, fhirID, limit, offset, includeDeleted)
}

// Search returns the current versions matching the query plus the total match
// count for pagination.
func (s *Service) Search(ctx context.Context, q *SearchQuery) ([]*Record, int, error) {
	return s.repo.Search(ctx, q)
}

func (s *Service) newVersion(resourceType, fhirID string, versionID int, doc json.RawMessage) (*Record, error) {
	doc, err := stampDocument(doc, fhirID, versionID)
	if err != nil {
		return nil, err
	}
	idx, err := ExtractIndex(doc)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ResourceType:    resourceType,
		FHIRID:          fhirID,
		VersionID:       versionID,
		Resource:        doc,
		Status:          StatusActive,
		SearchParams:    idx.SearchParams,
		PatientRef:      idx.PatientRef,
		OrganizationRef: idx.OrganizationRef,
		PractitionerRef: idx.PractitionerRef,
		FHIRCreated:     idx.FHIRCreated,
	}
	if idx.LastUpdated != nil {
		rec.LastUpdated = *idx.LastUpdated
	}
	return rec, nil
}

// stampDocument writes the record's id into the stored document so reads
// return a self-consistent resource. Fields are kept as raw JSON so every
// value the server does not touch round-trips byte for byte.
func stampDocument(doc json.RawMessage, fhirID string, versionID int) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	id, err := json.Marshal(fhirID)
	if err != nil {
		return nil, fmt.Errorf("encode resource id: %w", err)
	}
	m["id"] = id
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode resource: %w", err)
	}
	return out, nil
}
