package resource

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fhirvault/fhirvault/internal/platform/fhir"
)

// SearchQuery is a structured search request against current resource
// versions. Page is 1-based; PageSize is bounded to [1, MaxPageSize].
type SearchQuery struct {
	ResourceType string
	Params       map[string]string

	// First-class filters.
	Status          string
	PatientRef      string
	OrganizationRef string
	PractitionerRef string
	UpdatedAfter    *time.Time
	UpdatedBefore   *time.Time

	IncludeDeleted bool

	Page          int
	PageSize      int
	SortBy        string
	SortDirection string
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 10000
)

// sortColumns maps external sort field names to table columns. Unknown sort
// fields fall back to the default ordering rather than failing the search.
var sortColumns = map[string]string{
	"lastUpdated":  "last_updated",
	"_lastUpdated": "last_updated",
	"fhirId":       "fhir_id",
	"_id":          "fhir_id",
	"versionId":    "version_id",
	"resourceType": "resource_type",
	"created":      "created_at",
}

// Normalize applies defaults and bounds. It returns ErrInvalid for
// out-of-range inputs the caller stated explicitly.
func (q *SearchQuery) Normalize() error {
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Page < 1 {
		return fmt.Errorf("%w: page must be >= 1, got %d", ErrInvalid, q.Page)
	}
	if q.PageSize == 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize < 1 || q.PageSize > MaxPageSize {
		return fmt.Errorf("%w: pageSize must be between 1 and %d, got %d", ErrInvalid, MaxPageSize, q.PageSize)
	}
	switch q.SortDirection {
	case "", "asc", "desc":
	default:
		return fmt.Errorf("%w: sort direction must be asc or desc, got %q", ErrInvalid, q.SortDirection)
	}
	return nil
}

// Offset returns the zero-based row offset.
func (q *SearchQuery) Offset() int {
	return (q.Page - 1) * q.PageSize
}

// searchSQL builds the WHERE clause and ORDER BY for a search over current
// versions. Known filters hit dedicated columns; any remaining parameter key
// becomes a JSONB containment check against the derived search_params index.
// Keys never indexed simply match nothing; this is lenient, not full FHIR
// search semantics.
type searchSQL struct {
	where   string
	args    []interface{}
	idx     int
	orderBy string
}

func buildSearchSQL(q *SearchQuery) (*searchSQL, error) {
	b := &searchSQL{idx: 1}

	// Current version only: the row whose version_id is the maximum for its
	// composite key.
	b.where = `version_id = (
		SELECT MAX(h.version_id) FROM fhir_resource h
		WHERE h.resource_type = fhir_resource.resource_type AND h.fhir_id = fhir_resource.fhir_id)`

	if !q.IncludeDeleted {
		b.where += " AND NOT is_deleted"
	}
	if q.ResourceType != "" {
		b.add("resource_type = $%d", q.ResourceType)
	}
	if q.Status != "" {
		b.add("status = $%d", q.Status)
	}
	if q.PatientRef != "" {
		b.add("patient_ref = $%d", q.PatientRef)
	}
	if q.OrganizationRef != "" {
		b.add("organization_ref = $%d", q.OrganizationRef)
	}
	if q.PractitionerRef != "" {
		b.add("practitioner_ref = $%d", q.PractitionerRef)
	}
	if q.UpdatedAfter != nil {
		b.add("last_updated >= $%d", *q.UpdatedAfter)
	}
	if q.UpdatedBefore != nil {
		b.add("last_updated <= $%d", *q.UpdatedBefore)
	}

	for name, value := range q.Params {
		base, _ := fhir.ParseParamModifier(name)
		switch base {
		case "_lastUpdated":
			clause, args, next := fhir.DateSearchClause("last_updated", value, b.idx)
			b.where += " AND " + clause
			b.args = append(b.args, args...)
			b.idx = next
		case "_id":
			b.add("fhir_id = $%d", value)
		default:
			// Generic JSONB containment against the derived index.
			pair, err := json.Marshal(map[string]string{base: value})
			if err != nil {
				return nil, fmt.Errorf("%w: parameter %s: %v", ErrInvalid, name, err)
			}
			b.add("search_params @> $%d::jsonb", string(pair))
		}
	}

	col, ok := sortColumns[q.SortBy]
	if !ok {
		col = "last_updated"
	}
	dir := "DESC"
	if q.SortDirection == "asc" {
		dir = "ASC"
	}
	if q.SortBy == "" && q.SortDirection == "" {
		// Default: most recently updated first.
		col, dir = "last_updated", "DESC"
	}
	b.orderBy = fmt.Sprintf("%s %s, resource_type ASC, fhir_id ASC", col, dir)

	return b, nil
}

func (b *searchSQL) add(clauseFmt string, arg interface{}) {
	b.where += " AND " + fmt.Sprintf(clauseFmt, b.idx)
	b.args = append(b.args, arg)
	b.idx++
}

func (b *searchSQL) countSQL() string {
	return "SELECT COUNT(*) FROM fhir_resource WHERE " + b.where
}

func (b *searchSQL) dataSQL(cols string, limit, offset int) (string, []interface{}) {
	sql := fmt.Sprintf("SELECT %s FROM fhir_resource WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d",
		cols, b.where, b.orderBy, b.idx, b.idx+1)
	args := make([]interface{}, len(b.args), len(b.args)+2)
	copy(args, b.args)
	args = append(args, limit, offset)
	return sql, args
}

// ReservedQueryParams are query-string keys that are control parameters, not
// search parameters.
var ReservedQueryParams = map[string]bool{
	"page": true, "pageSize": true, "_count": true, "_offset": true,
	"_sort": true, "_sortDir": true, "status": true, "patient": true,
	"organization": true, "practitioner": true, "_includeDeleted": true,
}

// ParamsFromQuery extracts search parameters from a query-string map,
// excluding control parameters and any other underscore-prefixed keys except
// the indexed ones (_id, _lastUpdated).
func ParamsFromQuery(values map[string][]string) map[string]string {
	params := map[string]string{}
	for k, v := range values {
		if len(v) == 0 || ReservedQueryParams[k] {
			continue
		}
		if strings.HasPrefix(k, "_") && k != "_id" && k != "_lastUpdated" {
			continue
		}
		params[k] = v[0]
	}
	return params
}
