package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirvault/fhirvault/internal/domain/resource"
	"github.com/fhirvault/fhirvault/internal/platform/fhir"
)

// Strategy decides how an imported entry is reconciled against an existing
// record with the same (resourceType, fhirId).
type Strategy string

const (
	StrategyCreateOnly     Strategy = "create-only"
	StrategyUpdateOnly     Strategy = "update-only"
	StrategySkipExisting   Strategy = "skip-existing"
	StrategyCreateOrUpdate Strategy = "create-or-update"
)

// ParseStrategy maps a request parameter to a Strategy; empty means the
// default create-or-update.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyCreateOrUpdate, nil
	case StrategyCreateOnly, StrategyUpdateOnly, StrategySkipExisting, StrategyCreateOrUpdate:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("%w: unknown import strategy %q", resource.ErrInvalid, s)
}

type ImportOptions struct {
	Strategy          Strategy
	ValidateResources bool
}

// Entry statuses in an import report.
const (
	EntryCreated = "created"
	EntryUpdated = "updated"
	EntrySkipped = "skipped"
	EntryFailed  = "failed"
)

// EntryResult is the outcome for one bundle entry, indexed so clients can
// fix and resubmit only the failures.
type EntryResult struct {
	Index        int    `json:"index"`
	ResourceType string `json:"resourceType,omitempty"`
	FHIRID       string `json:"fhirId,omitempty"`
	Status       string `json:"status"`
	VersionID    int    `json:"versionId,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type ImportReport struct {
	Total    int           `json:"total"`
	Created  int           `json:"created"`
	Updated  int           `json:"updated"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Results  []EntryResult `json:"results"`
	Duration time.Duration `json:"duration"`
}

type Importer struct {
	svc       *resource.Service
	validator resource.ResourceValidator
	log       zerolog.Logger
}

func NewImporter(svc *resource.Service, logger zerolog.Logger) *Importer {
	return &Importer{svc: svc, log: logger.With().Str("component", "bundle-import").Logger()}
}

// WithValidator installs the validator applied to each entry when an import
// requests validateResources.
func (im *Importer) WithValidator(v resource.ResourceValidator) *Importer {
	im.validator = v
	return im
}

// Import reconciles every entry of raw against storage. Entries are isolated:
// one bad entry is recorded as failed and processing continues. Only a
// malformed top-level Bundle is a hard error.
func (im *Importer) Import(ctx context.Context, raw json.RawMessage, opts ImportOptions) (*ImportReport, error) {
	if opts.Strategy == "" {
		opts.Strategy = StrategyCreateOrUpdate
	}

	var b fhir.Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: malformed bundle: %v", resource.ErrInvalid, err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("%w: expected a Bundle, got %q", resource.ErrInvalid, b.ResourceType)
	}

	started := time.Now()
	report := &ImportReport{Total: len(b.Entry)}

	for i, entry := range b.Entry {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result := im.importEntry(ctx, i, entry.Resource, opts)
		report.Results = append(report.Results, result)
		switch result.Status {
		case EntryCreated:
			report.Created++
		case EntryUpdated:
			report.Updated++
		case EntrySkipped:
			report.Skipped++
		case EntryFailed:
			report.Failed++
		}
	}

	report.Duration = time.Since(started)
	im.log.Info().
		Int("total", report.Total).
		Int("created", report.Created).
		Int("updated", report.Updated).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Str("strategy", string(opts.Strategy)).
		Dur("duration", report.Duration).
		Msg("bundle imported")
	return report, nil
}

func (im *Importer) importEntry(ctx context.Context, idx int, doc json.RawMessage, opts ImportOptions) EntryResult {
	result := EntryResult{Index: idx}

	var probe struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if len(doc) == 0 || json.Unmarshal(doc, &probe) != nil || probe.ResourceType == "" {
		result.Status = EntryFailed
		result.Reason = "entry has no valid resource"
		return result
	}
	result.ResourceType = probe.ResourceType
	result.FHIRID = probe.ID

	if !fhir.IsValidResourceType(probe.ResourceType) {
		result.Status = EntryFailed
		result.Reason = "invalid resource type: " + probe.ResourceType
		return result
	}

	if opts.ValidateResources && im.validator != nil {
		if err := im.validator.Validate(ctx, probe.ResourceType, doc); err != nil {
			result.Status = EntryFailed
			result.Reason = "validation failed: " + err.Error()
			return result
		}
	}

	exists := false
	if probe.ID != "" {
		_, err := im.svc.Get(ctx, probe.ResourceType, probe.ID)
		switch {
		case err == nil:
			exists = true
		case !errors.Is(err, resource.ErrNotFound):
			result.Status = EntryFailed
			result.Reason = err.Error()
			return result
		}
	}

	switch opts.Strategy {
	case StrategyCreateOnly:
		if exists {
			result.Status = EntryFailed
			result.Reason = "resource already exists"
			return result
		}
	case StrategyUpdateOnly:
		if !exists {
			result.Status = EntryFailed
			result.Reason = "resource does not exist"
			return result
		}
	case StrategySkipExisting:
		if exists {
			result.Status = EntrySkipped
			result.Reason = "resource already exists"
			return result
		}
	}

	var rec *resource.Record
	var err error
	if exists {
		rec, err = im.svc.Update(ctx, probe.ResourceType, probe.ID, doc, 0)
	} else {
		rec, err = im.svc.Create(ctx, probe.ResourceType, doc)
	}
	if err != nil {
		result.Status = EntryFailed
		result.Reason = err.Error()
		return result
	}

	result.FHIRID = rec.FHIRID
	result.VersionID = rec.VersionID
	if exists {
		result.Status = EntryUpdated
	} else {
		result.Status = EntryCreated
	}
	return result
}
