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

// searchPageSize is the page size used when walking search results during an
// export.
const searchPageSize = 500

// ExportOptions selects and shapes the resources included in an export
// bundle.
type ExportOptions struct {
	ResourceType string            `json:"resourceType,omitempty"`
	FHIRIDs      []string          `json:"fhirIds,omitempty"`
	SearchParams map[string]string `json:"searchParams,omitempty"`
	PatientRef   string            `json:"patientRef,omitempty"`

	// Explicit window; takes precedence over the relative period.
	StartDate *time.Time `json:"startDate,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`

	// Relative window back from now: day, week, month or year.
	TimePeriod      string `json:"timePeriod,omitempty"`
	TimePeriodCount int    `json:"timePeriodCount,omitempty"`

	BundleType                string `json:"bundleType,omitempty"`
	IncludeHistory            bool   `json:"includeHistory,omitempty"`
	MaxHistoryVersions        int    `json:"maxHistoryVersions,omitempty"`
	MaxObservationsPerPatient int    `json:"maxObservationsPerPatient,omitempty"`

	ExcludeContained  bool `json:"excludeContained,omitempty"`
	ExcludeExtensions bool `json:"excludeExtensions,omitempty"`
	ExcludeMeta       bool `json:"excludeMeta,omitempty"`
}

// ExportStats reports what an export actually did. Callers get these back
// alongside the bundle; they are part of the contract, not just log output.
type ExportStats struct {
	ResourcesProcessed      int           `json:"resourcesProcessed"`
	ResourcesIncluded       int           `json:"resourcesIncluded"`
	ResourcesExcluded       int           `json:"resourcesExcluded"`
	HistoryVersionsIncluded int           `json:"historyVersionsIncluded"`
	Duration                time.Duration `json:"duration"`
	ByteSize                int           `json:"byteSize"`
}

type Exporter struct {
	svc *resource.Service
	log zerolog.Logger
}

func NewExporter(svc *resource.Service, logger zerolog.Logger) *Exporter {
	return &Exporter{svc: svc, log: logger.With().Str("component", "bundle-export").Logger()}
}

// Export assembles a bundle from the current versions matching opts. Zero
// matches is a valid empty bundle, not an error.
func (e *Exporter) Export(ctx context.Context, opts ExportOptions) (*fhir.Bundle, *ExportStats, error) {
	started := time.Now()

	if opts.BundleType == "" {
		opts.BundleType = fhir.BundleTypeCollection
	}
	if !fhir.IsValidBundleType(opts.BundleType) {
		return nil, nil, fmt.Errorf("%w: invalid bundle type %q", resource.ErrInvalid, opts.BundleType)
	}
	start, end, err := opts.window(time.Now().UTC())
	if err != nil {
		return nil, nil, err
	}

	stats := &ExportStats{}
	records, err := e.collect(ctx, opts, start, end, stats)
	if err != nil {
		return nil, nil, err
	}

	if opts.MaxObservationsPerPatient > 0 {
		before := len(records)
		records = capPerPatient(records, opts.MaxObservationsPerPatient)
		stats.ResourcesExcluded += before - len(records)
	}

	b := fhir.NewBundle(opts.BundleType)
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		doc, err := stripDocument(rec.Resource, opts)
		if err != nil {
			return nil, nil, err
		}
		b.AddMatchEntry(rec.CompositeKey(), doc)
		stats.ResourcesIncluded++

		if opts.IncludeHistory {
			n, err := e.appendHistory(ctx, b, rec, opts)
			if err != nil {
				return nil, nil, err
			}
			stats.HistoryVersionsIncluded += n
		}
	}

	raw, err := json.Marshal(b)
	if err != nil {
		return nil, nil, fmt.Errorf("encode bundle: %w", err)
	}
	stats.ByteSize = len(raw)
	stats.Duration = time.Since(started)

	e.log.Info().
		Int("processed", stats.ResourcesProcessed).
		Int("included", stats.ResourcesIncluded).
		Int("excluded", stats.ResourcesExcluded).
		Int("history_versions", stats.HistoryVersionsIncluded).
		Int("bytes", stats.ByteSize).
		Dur("duration", stats.Duration).
		Msg("bundle exported")
	return b, stats, nil
}

// collect gathers the current versions selected by opts. An explicit id list
// wins over a search; each listed id is still run through the same filters.
func (e *Exporter) collect(ctx context.Context, opts ExportOptions, start, end *time.Time, stats *ExportStats) ([]*resource.Record, error) {
	if len(opts.FHIRIDs) > 0 {
		if opts.ResourceType == "" {
			return nil, fmt.Errorf("%w: fhirIds require a resourceType", resource.ErrInvalid)
		}
		var records []*resource.Record
		for _, id := range opts.FHIRIDs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			stats.ResourcesProcessed++
			rec, err := e.svc.Get(ctx, opts.ResourceType, id)
			if errors.Is(err, resource.ErrNotFound) {
				stats.ResourcesExcluded++
				continue
			}
			if err != nil {
				return nil, err
			}
			if !matches(rec, opts, start, end) {
				stats.ResourcesExcluded++
				continue
			}
			records = append(records, rec)
		}
		return records, nil
	}

	q := &resource.SearchQuery{
		ResourceType:  opts.ResourceType,
		Params:        opts.SearchParams,
		PatientRef:    opts.PatientRef,
		UpdatedAfter:  start,
		UpdatedBefore: end,
		PageSize:      searchPageSize,
		SortBy:        "lastUpdated",
		SortDirection: "desc",
	}

	var records []*resource.Record
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.Page = page
		batch, total, err := e.svc.Search(ctx, q)
		if err != nil {
			return nil, err
		}
		records = append(records, batch...)
		if len(records) >= total || len(batch) == 0 {
			break
		}
	}
	stats.ResourcesProcessed = len(records)
	return records, nil
}

// appendHistory adds prior versions of rec as extra bundle entries, newest
// first, capped at MaxHistoryVersions.
func (e *Exporter) appendHistory(ctx context.Context, b *fhir.Bundle, rec *resource.Record, opts ExportOptions) (int, error) {
	max := opts.MaxHistoryVersions
	if max <= 0 {
		max = 10
	}

	versions, _, err := e.svc.History(ctx, rec.ResourceType, rec.FHIRID, max+1, 0, true)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, v := range versions {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		if v.VersionID == rec.VersionID || added >= max {
			continue
		}
		doc, err := stripDocument(v.Resource, opts)
		if err != nil {
			return added, err
		}
		b.AddMatchEntry(fmt.Sprintf("%s/_history/%d", v.CompositeKey(), v.VersionID), doc)
		added++
	}
	return added, nil
}

// window resolves the effective time filter. Explicit dates take precedence
// over the relative period.
func (o ExportOptions) window(now time.Time) (*time.Time, *time.Time, error) {
	if o.StartDate != nil || o.EndDate != nil {
		return o.StartDate, o.EndDate, nil
	}
	if o.TimePeriod == "" {
		return nil, nil, nil
	}

	count := o.TimePeriodCount
	if count <= 0 {
		count = 1
	}
	var start time.Time
	switch o.TimePeriod {
	case "day":
		start = now.AddDate(0, 0, -count)
	case "week":
		start = now.AddDate(0, 0, -7*count)
	case "month":
		start = now.AddDate(0, -count, 0)
	case "year":
		start = now.AddDate(-count, 0, 0)
	default:
		return nil, nil, fmt.Errorf("%w: invalid time period %q", resource.ErrInvalid, o.TimePeriod)
	}
	return &start, &now, nil
}

// matches applies the same filters to an explicitly listed record that the
// search path applies in SQL: the time window, the search parameters, and the
// patient reference.
func matches(rec *resource.Record, opts ExportOptions, start, end *time.Time) bool {
	if start != nil && rec.LastUpdated.Before(*start) {
		return false
	}
	if end != nil && rec.LastUpdated.After(*end) {
		return false
	}
	if opts.PatientRef != "" && (rec.PatientRef == nil || *rec.PatientRef != opts.PatientRef) {
		return false
	}
	for k, v := range opts.SearchParams {
		if rec.SearchParams[k] != v {
			return false
		}
	}
	return true
}

// capPerPatient truncates each patient's group to max entries, keeping the
// incoming order. Records without a patient reference are never capped.
func capPerPatient(records []*resource.Record, max int) []*resource.Record {
	counts := map[string]int{}
	out := records[:0]
	for _, rec := range records {
		if rec.PatientRef == nil {
			out = append(out, rec)
			continue
		}
		if counts[*rec.PatientRef] >= max {
			continue
		}
		counts[*rec.PatientRef]++
		out = append(out, rec)
	}
	return out
}

// stripDocument removes the sections excluded by opts. Without any exclude
// flag the document passes through untouched.
func stripDocument(doc json.RawMessage, opts ExportOptions) (json.RawMessage, error) {
	if !opts.ExcludeContained && !opts.ExcludeExtensions && !opts.ExcludeMeta {
		return doc, nil
	}

	// Raw fields keep every untouched value byte for byte.
	var m map[string]json.RawMessage
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("decode resource for export: %w", err)
	}
	if opts.ExcludeContained {
		delete(m, "contained")
	}
	if opts.ExcludeExtensions {
		delete(m, "extension")
		delete(m, "modifierExtension")
	}
	if opts.ExcludeMeta {
		delete(m, "meta")
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode stripped resource: %w", err)
	}
	return out, nil
}
