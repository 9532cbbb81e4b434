package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fhirvault/fhirvault/internal/platform/auth"
)

// pgUniqueViolation is the PostgreSQL error code for unique-constraint
// violations; the (resource_type, fhir_id, version_id) constraint arbitrates
// concurrent version appends.
const pgUniqueViolation = "23505"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates the PostgreSQL-backed Repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	return r.pool
}

const resCols = `id, resource_type, fhir_id, version_id, resource, status,
	search_params, patient_ref, organization_ref, practitioner_ref,
	last_updated, fhir_created,
	created_at, created_by, last_modified_at, last_modified_by,
	is_deleted, deleted_at, deleted_by, delete_reason`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var searchParams []byte
	err := row.Scan(&rec.ID, &rec.ResourceType, &rec.FHIRID, &rec.VersionID, &rec.Resource, &rec.Status,
		&searchParams, &rec.PatientRef, &rec.OrganizationRef, &rec.PractitionerRef,
		&rec.LastUpdated, &rec.FHIRCreated,
		&rec.CreatedAt, &rec.CreatedBy, &rec.LastModifiedAt, &rec.LastModifiedBy,
		&rec.IsDeleted, &rec.DeletedAt, &rec.DeletedBy, &rec.DeleteReason)
	if err != nil {
		return nil, err
	}
	if len(searchParams) > 0 {
		if err := json.Unmarshal(searchParams, &rec.SearchParams); err != nil {
			return nil, fmt.Errorf("decode search_params for %s: %w", rec.CompositeKey(), err)
		}
	}
	return &rec, nil
}

func (r *repoPG) GetByFHIRID(ctx context.Context, resourceType, fhirID string) (*Record, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+resCols+` FROM fhir_resource
		WHERE resource_type = $1 AND fhir_id = $2 AND NOT is_deleted
		  AND version_id = (
			SELECT MAX(h.version_id) FROM fhir_resource h
			WHERE h.resource_type = $1 AND h.fhir_id = $2)`,
		resourceType, fhirID)

	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, fhirID)
	}
	if err != nil {
		return nil, fmt.Errorf("get current %s/%s: %w", resourceType, fhirID, err)
	}
	return rec, nil
}

func (r *repoPG) GetVersion(ctx context.Context, resourceType, fhirID string, versionID int) (*Record, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+resCols+` FROM fhir_resource
		WHERE resource_type = $1 AND fhir_id = $2 AND version_id = $3`,
		resourceType, fhirID, versionID)

	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s version %d", ErrNotFound, resourceType, fhirID, versionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get version %s/%s/%d: %w", resourceType, fhirID, versionID, err)
	}
	return rec, nil
}

func (r *repoPG) History(ctx context.Context, resourceType, fhirID string, limit, offset int, includeDeleted bool) ([]*Record, int, error) {
	filter := ""
	if !includeDeleted {
		filter = " AND NOT is_deleted"
	}

	var total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM fhir_resource
		WHERE resource_type = $1 AND fhir_id = $2`+filter,
		resourceType, fhirID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count history %s/%s: %w", resourceType, fhirID, err)
	}
	if total == 0 {
		return nil, 0, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, fhirID)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+resCols+` FROM fhir_resource
		WHERE resource_type = $1 AND fhir_id = $2`+filter+`
		ORDER BY version_id DESC
		LIMIT $3 OFFSET $4`,
		resourceType, fhirID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list history %s/%s: %w", resourceType, fhirID, err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan history entry: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate history: %w", err)
	}
	return records, total, nil
}

func (r *repoPG) Search(ctx context.Context, q *SearchQuery) ([]*Record, int, error) {
	if err := q.Normalize(); err != nil {
		return nil, 0, err
	}

	b, err := buildSearchSQL(q)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, b.countSQL(), b.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count search results: %w", err)
	}

	sql, args := b.dataSQL(resCols, q.PageSize, q.Offset())
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search resources: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan search result: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search results: %w", err)
	}
	return records, total, nil
}

func (r *repoPG) SaveNewVersion(ctx context.Context, rec *Record) (*Record, error) {
	now := time.Now().UTC()
	user := auth.UserFromContext(ctx)

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = now
	}
	rec.CreatedAt = now
	rec.LastModifiedAt = now
	if rec.CreatedBy == "" {
		rec.CreatedBy = user.ID
	}
	rec.LastModifiedBy = user.ID

	searchParams, err := json.Marshal(rec.SearchParams)
	if err != nil {
		return nil, fmt.Errorf("encode search_params: %w", err)
	}

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO fhir_resource (
			id, resource_type, fhir_id, version_id, resource, status,
			search_params, patient_ref, organization_ref, practitioner_ref,
			last_updated, fhir_created,
			created_at, created_by, last_modified_at, last_modified_by,
			is_deleted, deleted_at, deleted_by, delete_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		rec.ID, rec.ResourceType, rec.FHIRID, rec.VersionID, rec.Resource, rec.Status,
		searchParams, rec.PatientRef, rec.OrganizationRef, rec.PractitionerRef,
		rec.LastUpdated, rec.FHIRCreated,
		rec.CreatedAt, rec.CreatedBy, rec.LastModifiedAt, rec.LastModifiedBy,
		rec.IsDeleted, rec.DeletedAt, rec.DeletedBy, rec.DeleteReason)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, fmt.Errorf("%w: %s version %d already written",
				ErrConflict, rec.CompositeKey(), rec.VersionID)
		}
		return nil, fmt.Errorf("save version %s/%d: %w", rec.CompositeKey(), rec.VersionID, err)
	}
	return rec, nil
}

func (r *repoPG) SoftDelete(ctx context.Context, resourceType, fhirID, reason string) (*Record, error) {
	current, err := r.GetByFHIRID(ctx, resourceType, fhirID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	user := auth.UserFromContext(ctx)
	deleted := &Record{
		ResourceType:    resourceType,
		FHIRID:          fhirID,
		VersionID:       current.VersionID + 1,
		Resource:        current.Resource,
		Status:          StatusDeleted,
		SearchParams:    current.SearchParams,
		PatientRef:      current.PatientRef,
		OrganizationRef: current.OrganizationRef,
		PractitionerRef: current.PractitionerRef,
		LastUpdated:     now,
		FHIRCreated:     current.FHIRCreated,
		CreatedBy:       current.CreatedBy,
		IsDeleted:       true,
		DeletedAt:       &now,
		DeletedBy:       &user.ID,
	}
	if reason != "" {
		deleted.DeleteReason = &reason
	}

	return r.SaveNewVersion(ctx, deleted)
}
