package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// -- Mock Repository --

// mockRepo keeps every version in memory, append-only, mirroring the
// database's unique-constraint behavior.
type mockRepo struct {
	versions map[string][]*Record
}

func newMockRepo() *mockRepo {
	return &mockRepo{versions: make(map[string][]*Record)}
}

func key(resourceType, fhirID string) string {
	return resourceType + "/" + fhirID
}

func (m *mockRepo) current(resourceType, fhirID string) *Record {
	vs := m.versions[key(resourceType, fhirID)]
	if len(vs) == 0 {
		return nil
	}
	return vs[len(vs)-1]
}

func (m *mockRepo) GetByFHIRID(_ context.Context, resourceType, fhirID string) (*Record, error) {
	cur := m.current(resourceType, fhirID)
	if cur == nil || cur.IsDeleted {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, fhirID)
	}
	return cur, nil
}

func (m *mockRepo) GetVersion(_ context.Context, resourceType, fhirID string, versionID int) (*Record, error) {
	for _, v := range m.versions[key(resourceType, fhirID)] {
		if v.VersionID == versionID {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s version %d", ErrNotFound, resourceType, fhirID, versionID)
}

func (m *mockRepo) History(_ context.Context, resourceType, fhirID string, limit, offset int, includeDeleted bool) ([]*Record, int, error) {
	all := m.versions[key(resourceType, fhirID)]
	if len(all) == 0 {
		return nil, 0, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, fhirID)
	}
	var filtered []*Record
	for i := len(all) - 1; i >= 0; i-- {
		if !includeDeleted && all[i].IsDeleted {
			continue
		}
		filtered = append(filtered, all[i])
	}
	total := len(filtered)
	if offset >= len(filtered) {
		return nil, total, nil
	}
	filtered = filtered[offset:]
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, total, nil
}

func (m *mockRepo) Search(_ context.Context, q *SearchQuery) ([]*Record, int, error) {
	if err := q.Normalize(); err != nil {
		return nil, 0, err
	}
	var matched []*Record
	for _, vs := range m.versions {
		cur := vs[len(vs)-1]
		if cur.IsDeleted && !q.IncludeDeleted {
			continue
		}
		if q.ResourceType != "" && cur.ResourceType != q.ResourceType {
			continue
		}
		if q.Status != "" && string(cur.Status) != q.Status {
			continue
		}
		if q.PatientRef != "" && (cur.PatientRef == nil || *cur.PatientRef != q.PatientRef) {
			continue
		}
		if q.UpdatedAfter != nil && cur.LastUpdated.Before(*q.UpdatedAfter) {
			continue
		}
		if q.UpdatedBefore != nil && cur.LastUpdated.After(*q.UpdatedBefore) {
			continue
		}
		skip := false
		for k, v := range q.Params {
			if cur.SearchParams[k] != v {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		matched = append(matched, cur)
	}
	total := len(matched)
	off := q.Offset()
	if off >= len(matched) {
		return nil, total, nil
	}
	matched = matched[off:]
	if len(matched) > q.PageSize {
		matched = matched[:q.PageSize]
	}
	return matched, total, nil
}

func (m *mockRepo) SaveNewVersion(_ context.Context, rec *Record) (*Record, error) {
	k := key(rec.ResourceType, rec.FHIRID)
	for _, v := range m.versions[k] {
		if v.VersionID == rec.VersionID {
			return nil, fmt.Errorf("%w: %s version %d already written", ErrConflict, k, rec.VersionID)
		}
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = time.Now().UTC()
	}
	if rec.CreatedBy == "" {
		rec.CreatedBy = "system"
	}
	rec.LastModifiedBy = "system"
	m.versions[k] = append(m.versions[k], rec)
	return rec, nil
}

func (m *mockRepo) SoftDelete(ctx context.Context, resourceType, fhirID, reason string) (*Record, error) {
	cur, err := m.GetByFHIRID(ctx, resourceType, fhirID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	deleted := &Record{
		ResourceType: resourceType,
		FHIRID:       fhirID,
		VersionID:    cur.VersionID + 1,
		Resource:     cur.Resource,
		Status:       StatusDeleted,
		SearchParams: cur.SearchParams,
		PatientRef:   cur.PatientRef,
		LastUpdated:  now,
		IsDeleted:    true,
		DeletedAt:    &now,
	}
	if reason != "" {
		deleted.DeleteReason = &reason
	}
	return m.SaveNewVersion(ctx, deleted)
}

func newTestService() (*Service, *mockRepo) {
	repo := newMockRepo()
	return NewService(repo, zerolog.Nop()), repo
}

func patientDoc(id string) json.RawMessage {
	doc := map[string]interface{}{
		"resourceType": "Patient",
		"gender":       "female",
		"birthDate":    "1980-04-01",
	}
	if id != "" {
		doc["id"] = id
	}
	raw, _ := json.Marshal(doc)
	return raw
}

// -- Service Tests --

func TestCreate_AssignsVersionOne(t *testing.T) {
	svc, _ := newTestService()
	rec, err := svc.Create(context.Background(), "Patient", patientDoc("p1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.VersionID != 1 {
		t.Errorf("expected version 1, got %d", rec.VersionID)
	}
	if rec.FHIRID != "p1" {
		t.Errorf("expected document id to become fhir id, got %q", rec.FHIRID)
	}
}

func TestCreate_GeneratesIDWhenMissing(t *testing.T) {
	svc, _ := newTestService()
	rec, err := svc.Create(context.Background(), "Patient", patientDoc(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.FHIRID == "" {
		t.Fatal("expected generated fhir id")
	}
	if _, err := uuid.Parse(rec.FHIRID); err != nil {
		t.Errorf("expected uuid fhir id, got %q", rec.FHIRID)
	}

	// Stored document carries the generated id.
	var doc map[string]interface{}
	if err := json.Unmarshal(rec.Resource, &doc); err != nil {
		t.Fatalf("stored document is not valid JSON: %v", err)
	}
	if doc["id"] != rec.FHIRID {
		t.Errorf("expected document id %q, got %v", rec.FHIRID, doc["id"])
	}
}

func TestCreate_PreservesDocumentValues(t *testing.T) {
	svc, _ := newTestService()
	doc := json.RawMessage(`{"resourceType":"Observation","id":"o1","status":"final","valueInteger":9007199254740993,"valueQuantity":{"value":0.10}}`)

	rec, err := svc.Create(context.Background(), "Observation", doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Values the server does not touch must come back byte for byte; a
	// float64 round trip would turn 9007199254740993 into ...992.
	stored := string(rec.Resource)
	if !strings.Contains(stored, `"valueInteger":9007199254740993`) {
		t.Errorf("large integer not preserved: %s", stored)
	}
	if !strings.Contains(stored, `"value":0.10`) {
		t.Errorf("decimal notation not preserved: %s", stored)
	}
}

func TestCreate_DeletedIDResumesVersioning(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Create(ctx, "Patient", patientDoc("p1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Delete(ctx, "Patient", "p1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, err := svc.Create(ctx, "Patient", patientDoc("p1"))
	if err != nil {
		t.Fatalf("create over deleted id: %v", err)
	}
	if rec.VersionID != 3 {
		t.Errorf("expected version 3 after resurrection, got %d", rec.VersionID)
	}

	cur, err := svc.Get(ctx, "Patient", "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cur.VersionID != 3 || cur.IsDeleted {
		t.Errorf("expected live version 3, got v%d deleted=%v", cur.VersionID, cur.IsDeleted)
	}

	// The deletion marker stays in the chain.
	versions, total, err := svc.History(ctx, "Patient", "p1", 10, 0, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 history entries, got %d", total)
	}
	if !versions[1].IsDeleted {
		t.Error("expected version 2 to remain the deletion marker")
	}
}

func TestCreate_ExistingIsConflict(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Create(context.Background(), "Patient", patientDoc("p1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := svc.Create(context.Background(), "Patient", patientDoc("p1"))
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestCreate_TypeMismatchIsInvalid(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Create(context.Background(), "Observation", patientDoc("p1"))
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestUpdate_IncrementsVersion(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Create(ctx, "Patient", patientDoc("p1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for want := 2; want <= 5; want++ {
		rec, err := svc.Update(ctx, "Patient", "p1", patientDoc("p1"), 0)
		if err != nil {
			t.Fatalf("update to version %d: %v", want, err)
		}
		if rec.VersionID != want {
			t.Errorf("expected version %d, got %d", want, rec.VersionID)
		}
	}
}

func TestUpdate_MissingIsNotFound(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Update(context.Background(), "Patient", "ghost", patientDoc("ghost"), 0)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdate_StaleVersionIsConflict(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Create(ctx, "Patient", patientDoc("p1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Update(ctx, "Patient", "p1", patientDoc("p1"), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A second writer still holding version 1 must lose.
	_, err := svc.Update(ctx, "Patient", "p1", patientDoc("p1"), 1)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestUpdate_DocumentIDMismatchIsInvalid(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Create(ctx, "Patient", patientDoc("p1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := svc.Update(ctx, "Patient", "p1", patientDoc("p2"), 0)
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestDelete_HidesCurrentKeepsHistory(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Create(ctx, "Patient", patientDoc("p1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Update(ctx, "Patient", "p1", patientDoc("p1"), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	marker, err := svc.Delete(ctx, "Patient", "p1", "duplicate record")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if marker.VersionID != 3 {
		t.Errorf("expected deletion marker at version 3, got %d", marker.VersionID)
	}
	if marker.DeleteReason == nil || *marker.DeleteReason != "duplicate record" {
		t.Error("expected delete reason to be recorded")
	}

	if _, err := svc.Get(ctx, "Patient", "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	versions, total, err := svc.History(ctx, "Patient", "p1", 10, 0, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 || len(versions) != 3 {
		t.Fatalf("expected 3 history entries, got total=%d len=%d", total, len(versions))
	}
	if !versions[0].IsDeleted {
		t.Error("expected newest history entry to be the deletion marker")
	}

	// Prior versions stay readable.
	v2, err := svc.GetVersion(ctx, "Patient", "p1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v2.IsDeleted {
		t.Error("expected version 2 to remain a live snapshot")
	}
}

func TestDelete_DeletedIsNotFound(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Create(ctx, "Patient", patientDoc("p1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Delete(ctx, "Patient", "p1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := svc.Delete(ctx, "Patient", "p1", "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestHistory_ExcludesMarkersWhenAsked(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Create(ctx, "Patient", patientDoc("p1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Delete(ctx, "Patient", "p1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	versions, total, err := svc.History(ctx, "Patient", "p1", 10, 0, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(versions) != 1 {
		t.Fatalf("expected 1 entry without markers, got total=%d len=%d", total, len(versions))
	}
	if versions[0].VersionID != 1 {
		t.Errorf("expected version 1, got %d", versions[0].VersionID)
	}
}

func TestSearch_CurrentVersionsOnly(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Create(ctx, "Patient", patientDoc("p1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Update(ctx, "Patient", "p1", patientDoc("p1"), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Create(ctx, "Patient", patientDoc("p2")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Delete(ctx, "Patient", "p2", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records, total, err := svc.Search(ctx, &SearchQuery{ResourceType: "Patient"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(records) != 1 {
		t.Fatalf("expected one match, got total=%d len=%d", total, len(records))
	}
	if records[0].FHIRID != "p1" || records[0].VersionID != 2 {
		t.Errorf("expected current version of p1, got %s v%d", records[0].FHIRID, records[0].VersionID)
	}
}

func TestSearch_ParamFilter(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Create(ctx, "Patient", patientDoc("p1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	male, _ := json.Marshal(map[string]interface{}{
		"resourceType": "Patient", "id": "p2", "gender": "male",
	})
	if _, err := svc.Create(ctx, "Patient", male); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records, _, err := svc.Search(ctx, &SearchQuery{
		ResourceType: "Patient",
		Params:       map[string]string{"gender": "female"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 || records[0].FHIRID != "p1" {
		t.Errorf("expected only p1, got %d records", len(records))
	}
}

type rejectAllValidator struct{}

func (rejectAllValidator) Validate(context.Context, string, json.RawMessage) error {
	return fmt.Errorf("rejected by profile")
}

func TestCreate_ValidatorFailureIsInvalid(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, zerolog.Nop()).WithValidator(rejectAllValidator{})
	_, err := svc.Create(context.Background(), "Patient", patientDoc("p1"))
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
	if len(repo.versions) != 0 {
		t.Error("expected no write after validation failure")
	}
}
