package resource

import "context"

// Repository is the persistence contract for versioned resource records.
// All reads of "current" state return the highest-version, non-deleted row;
// writes append rows and never mutate history.
type Repository interface {
	// GetByFHIRID returns the current non-deleted record, or ErrNotFound.
	GetByFHIRID(ctx context.Context, resourceType, fhirID string) (*Record, error)

	// GetVersion returns a specific version record, historical versions
	// included, or ErrNotFound.
	GetVersion(ctx context.Context, resourceType, fhirID string, versionID int) (*Record, error)

	// History returns version records newest first plus the total count.
	// Deletion marker rows are excluded when includeDeleted is false.
	History(ctx context.Context, resourceType, fhirID string, limit, offset int, includeDeleted bool) ([]*Record, int, error)

	// Search returns a page of current records matching the query plus the
	// total count. Deleted-latest resources are excluded unless the query
	// asks for them.
	Search(ctx context.Context, q *SearchQuery) ([]*Record, int, error)

	// SaveNewVersion atomically appends a version row. A version-number
	// collision for the same (resourceType, fhirID) yields ErrConflict and
	// leaves the store unchanged.
	SaveNewVersion(ctx context.Context, rec *Record) (*Record, error)

	// SoftDelete appends a deleted-status version after the current one and
	// returns it. ErrNotFound when no current record exists.
	SoftDelete(ctx context.Context, resourceType, fhirID, reason string) (*Record, error)
}
