package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirvault/fhirvault/internal/domain/resource"
)

// -- In-memory Repository --

type memRepo struct {
	versions map[string][]*resource.Record
}

func newMemRepo() *memRepo {
	return &memRepo{versions: make(map[string][]*resource.Record)}
}

func (m *memRepo) current(resourceType, fhirID string) *resource.Record {
	vs := m.versions[resourceType+"/"+fhirID]
	if len(vs) == 0 {
		return nil
	}
	return vs[len(vs)-1]
}

func (m *memRepo) GetByFHIRID(_ context.Context, resourceType, fhirID string) (*resource.Record, error) {
	cur := m.current(resourceType, fhirID)
	if cur == nil || cur.IsDeleted {
		return nil, fmt.Errorf("%w: %s/%s", resource.ErrNotFound, resourceType, fhirID)
	}
	return cur, nil
}

func (m *memRepo) GetVersion(_ context.Context, resourceType, fhirID string, versionID int) (*resource.Record, error) {
	for _, v := range m.versions[resourceType+"/"+fhirID] {
		if v.VersionID == versionID {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s version %d", resource.ErrNotFound, resourceType, fhirID, versionID)
}

func (m *memRepo) History(_ context.Context, resourceType, fhirID string, limit, offset int, includeDeleted bool) ([]*resource.Record, int, error) {
	all := m.versions[resourceType+"/"+fhirID]
	if len(all) == 0 {
		return nil, 0, fmt.Errorf("%w: %s/%s", resource.ErrNotFound, resourceType, fhirID)
	}
	var out []*resource.Record
	for i := len(all) - 1; i >= 0; i-- {
		if !includeDeleted && all[i].IsDeleted {
			continue
		}
		out = append(out, all[i])
	}
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *memRepo) Search(_ context.Context, q *resource.SearchQuery) ([]*resource.Record, int, error) {
	if err := q.Normalize(); err != nil {
		return nil, 0, err
	}
	var matched []*resource.Record
	for _, vs := range m.versions {
		cur := vs[len(vs)-1]
		if cur.IsDeleted && !q.IncludeDeleted {
			continue
		}
		if q.ResourceType != "" && cur.ResourceType != q.ResourceType {
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

func (m *memRepo) SaveNewVersion(_ context.Context, rec *resource.Record) (*resource.Record, error) {
	k := rec.ResourceType + "/" + rec.FHIRID
	for _, v := range m.versions[k] {
		if v.VersionID == rec.VersionID {
			return nil, fmt.Errorf("%w: %s version %d already written", resource.ErrConflict, k, rec.VersionID)
		}
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = time.Now().UTC()
	}
	m.versions[k] = append(m.versions[k], rec)
	return rec, nil
}

func (m *memRepo) SoftDelete(ctx context.Context, resourceType, fhirID, reason string) (*resource.Record, error) {
	cur, err := m.GetByFHIRID(ctx, resourceType, fhirID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	deleted := &resource.Record{
		ResourceType: resourceType,
		FHIRID:       fhirID,
		VersionID:    cur.VersionID + 1,
		Resource:     cur.Resource,
		Status:       resource.StatusDeleted,
		SearchParams: cur.SearchParams,
		PatientRef:   cur.PatientRef,
		LastUpdated:  now,
		IsDeleted:    true,
		DeletedAt:    &now,
	}
	return m.SaveNewVersion(ctx, deleted)
}

func newTestStore() (*resource.Service, *memRepo) {
	repo := newMemRepo()
	return resource.NewService(repo, zerolog.Nop()), repo
}

func bundleOf(docs ...string) json.RawMessage {
	entries := make([]map[string]interface{}, len(docs))
	for i, d := range docs {
		entries[i] = map[string]interface{}{"resource": json.RawMessage(d)}
	}
	raw, _ := json.Marshal(map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "collection",
		"entry":        entries,
	})
	return raw
}

// -- Importer Tests --

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"", StrategyCreateOrUpdate, false},
		{"create-only", StrategyCreateOnly, false},
		{"update-only", StrategyUpdateOnly, false},
		{"skip-existing", StrategySkipExisting, false},
		{"create-or-update", StrategyCreateOrUpdate, false},
		{"upsert", "", true},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if tt.wantErr {
			if !errors.Is(err, resource.ErrInvalid) {
				t.Errorf("ParseStrategy(%q): expected ErrInvalid, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseStrategy(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

// Strategy semantics with resource A existing and resource B new.
func TestImport_StrategySemantics(t *testing.T) {
	existingA := `{"resourceType":"Patient","id":"A","gender":"female"}`
	updatedA := `{"resourceType":"Patient","id":"A","gender":"other"}`
	newB := `{"resourceType":"Patient","id":"B"}`

	tests := []struct {
		strategy Strategy
		aStatus  string
		bStatus  string
	}{
		{StrategyCreateOnly, EntryFailed, EntryCreated},
		{StrategyUpdateOnly, EntryUpdated, EntryFailed},
		{StrategySkipExisting, EntrySkipped, EntryCreated},
		{StrategyCreateOrUpdate, EntryUpdated, EntryCreated},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			svc, _ := newTestStore()
			if _, err := svc.Create(context.Background(), "Patient", json.RawMessage(existingA)); err != nil {
				t.Fatalf("seed failed: %v", err)
			}

			im := NewImporter(svc, zerolog.Nop())
			report, err := im.Import(context.Background(), bundleOf(updatedA, newB), ImportOptions{Strategy: tt.strategy})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if report.Total != 2 {
				t.Fatalf("expected 2 entries, got %d", report.Total)
			}
			if got := report.Results[0].Status; got != tt.aStatus {
				t.Errorf("entry A: expected %s, got %s (%s)", tt.aStatus, got, report.Results[0].Reason)
			}
			if got := report.Results[1].Status; got != tt.bStatus {
				t.Errorf("entry B: expected %s, got %s (%s)", tt.bStatus, got, report.Results[1].Reason)
			}
		})
	}
}

func TestImport_UpdateBumpsVersion(t *testing.T) {
	svc, _ := newTestStore()
	ctx := context.Background()
	if _, err := svc.Create(ctx, "Patient", json.RawMessage(`{"resourceType":"Patient","id":"A"}`)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	im := NewImporter(svc, zerolog.Nop())
	report, err := im.Import(ctx, bundleOf(`{"resourceType":"Patient","id":"A","gender":"male"}`), ImportOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Updated != 1 {
		t.Fatalf("expected one update, got %+v", report)
	}
	if report.Results[0].VersionID != 2 {
		t.Errorf("expected version 2, got %d", report.Results[0].VersionID)
	}

	rec, err := svc.Get(ctx, "Patient", "A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.VersionID != 2 {
		t.Errorf("expected stored version 2, got %d", rec.VersionID)
	}
}

func TestImport_EntryIsolation(t *testing.T) {
	svc, _ := newTestStore()
	im := NewImporter(svc, zerolog.Nop())

	report, err := im.Import(context.Background(), bundleOf(
		`{"no":"resourceType"}`,
		`{"resourceType":"Patient","id":"ok-1"}`,
		`{"resourceType":"bad type","id":"x"}`,
		`{"resourceType":"Patient","id":"ok-2"}`,
	), ImportOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Created != 2 || report.Failed != 2 {
		t.Fatalf("expected 2 created and 2 failed, got %+v", report)
	}
	for _, r := range report.Results {
		if r.Status == EntryFailed && r.Reason == "" {
			t.Errorf("entry %d failed without a reason", r.Index)
		}
	}
}

func TestImport_MalformedBundleIsHardError(t *testing.T) {
	svc, _ := newTestStore()
	im := NewImporter(svc, zerolog.Nop())

	if _, err := im.Import(context.Background(), json.RawMessage(`{broken`), ImportOptions{}); !errors.Is(err, resource.ErrInvalid) {
		t.Errorf("expected ErrInvalid for broken JSON, got %v", err)
	}
	if _, err := im.Import(context.Background(), json.RawMessage(`{"resourceType":"Patient"}`), ImportOptions{}); !errors.Is(err, resource.ErrInvalid) {
		t.Errorf("expected ErrInvalid for non-Bundle, got %v", err)
	}
}

func TestImport_EmptyBundle(t *testing.T) {
	svc, _ := newTestStore()
	im := NewImporter(svc, zerolog.Nop())

	report, err := im.Import(context.Background(), bundleOf(), ImportOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Total != 0 || len(report.Results) != 0 {
		t.Errorf("expected empty report, got %+v", report)
	}
}

type failingValidator struct{}

func (failingValidator) Validate(context.Context, string, json.RawMessage) error {
	return fmt.Errorf("profile mismatch")
}

func TestImport_ValidateResourcesGate(t *testing.T) {
	svc, _ := newTestStore()
	im := NewImporter(svc, zerolog.Nop()).WithValidator(failingValidator{})
	doc := `{"resourceType":"Patient","id":"A"}`

	// Gate off: validator never runs.
	report, err := im.Import(context.Background(), bundleOf(doc), ImportOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Created != 1 {
		t.Fatalf("expected create without validation, got %+v", report)
	}

	// Gate on: entry fails.
	report, err = im.Import(context.Background(), bundleOf(`{"resourceType":"Patient","id":"B"}`),
		ImportOptions{ValidateResources: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("expected validation failure, got %+v", report)
	}
}

func TestImport_Cancellation(t *testing.T) {
	svc, _ := newTestStore()
	im := NewImporter(svc, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := im.Import(ctx, bundleOf(`{"resourceType":"Patient","id":"A"}`), ImportOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
