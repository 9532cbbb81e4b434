package resource

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fhirvault/fhirvault/internal/platform/fhir"
)

// Status is the lifecycle state of a resource version.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// Record maps to the fhir_resource table: one row per resource version,
// append-only. The resource document itself is opaque JSON; the search
// parameter map and reference columns are derived from it at write time.
type Record struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	ResourceType string          `db:"resource_type" json:"resource_type"`
	FHIRID       string          `db:"fhir_id" json:"fhir_id"`
	VersionID    int             `db:"version_id" json:"version_id"`
	Resource     json.RawMessage `db:"resource" json:"resource"`
	Status       Status          `db:"status" json:"status"`

	// Derived index fields, regenerated from Resource on every write.
	SearchParams    map[string]string `db:"search_params" json:"search_params,omitempty"`
	PatientRef      *string           `db:"patient_ref" json:"patient_ref,omitempty"`
	OrganizationRef *string           `db:"organization_ref" json:"organization_ref,omitempty"`
	PractitionerRef *string           `db:"practitioner_ref" json:"practitioner_ref,omitempty"`

	// Resource-domain timestamps, distinct from the storage audit fields.
	LastUpdated time.Time  `db:"last_updated" json:"last_updated"`
	FHIRCreated *time.Time `db:"fhir_created" json:"fhir_created,omitempty"`

	// Storage audit fields.
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	CreatedBy      string     `db:"created_by" json:"created_by"`
	LastModifiedAt time.Time  `db:"last_modified_at" json:"last_modified_at"`
	LastModifiedBy string     `db:"last_modified_by" json:"last_modified_by"`
	IsDeleted      bool       `db:"is_deleted" json:"is_deleted"`
	DeletedAt      *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
	DeletedBy      *string    `db:"deleted_by" json:"deleted_by,omitempty"`
	DeleteReason   *string    `db:"delete_reason" json:"delete_reason,omitempty"`
}

// CompositeKey returns the stable external identity "ResourceType/fhirId".
func (r *Record) CompositeKey() string {
	return r.ResourceType + "/" + r.FHIRID
}

func (r *Record) GetVersionID() int  { return r.VersionID }
func (r *Record) SetVersionID(v int) { r.VersionID = v }

// IndexFields is the derived, regenerable index extracted from a resource
// document. It is a cache over the document, never authoritative.
type IndexFields struct {
	SearchParams    map[string]string
	PatientRef      *string
	OrganizationRef *string
	PractitionerRef *string
	LastUpdated     *time.Time
	FHIRCreated     *time.Time
}

// ValidateDocument checks that doc is valid JSON and that its resourceType
// field matches resourceType. Every write path runs this.
func ValidateDocument(resourceType string, doc json.RawMessage) error {
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(doc, &probe); err != nil {
		return fmt.Errorf("%w: document is not valid JSON: %v", ErrInvalid, err)
	}
	if probe.ResourceType == "" {
		return fmt.Errorf("%w: document has no resourceType", ErrInvalid)
	}
	if probe.ResourceType != resourceType {
		return fmt.Errorf("%w: document resourceType %q does not match %q",
			ErrInvalid, probe.ResourceType, resourceType)
	}
	return nil
}

// DocumentID returns the "id" field of a resource document, if any.
func DocumentID(doc json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(doc, &probe); err != nil {
		return ""
	}
	return probe.ID
}

// ExtractIndex derives the search parameter map, reference columns, and
// domain timestamps from a resource document. It is a pure function of the
// document: calling it again on the same bytes yields the same index.
func ExtractIndex(doc json.RawMessage) (IndexFields, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(doc, &m); err != nil {
		return IndexFields{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	idx := IndexFields{SearchParams: map[string]string{}}

	// Scalar top-level fields index directly under their own name.
	for _, key := range []string{"status", "gender", "birthDate", "active", "intent", "priority"} {
		if v, ok := scalarString(m[key]); ok {
			idx.SearchParams[key] = v
		}
	}

	// First identifier value.
	if v := firstIdentifierValue(m["identifier"]); v != "" {
		idx.SearchParams["identifier"] = v
	}

	// Codings: code and category.
	if v := firstCodingCode(m["code"]); v != "" {
		idx.SearchParams["code"] = v
	}
	if cats, ok := m["category"].([]interface{}); ok && len(cats) > 0 {
		if v := firstCodingCode(cats[0]); v != "" {
			idx.SearchParams["category"] = v
		}
	}

	// Human names (Patient, Practitioner, ...).
	if names, ok := m["name"].([]interface{}); ok && len(names) > 0 {
		if name, ok := names[0].(map[string]interface{}); ok {
			var parts []string
			if family, ok := scalarString(name["family"]); ok {
				idx.SearchParams["family"] = family
				parts = append(parts, family)
			}
			if given, ok := name["given"].([]interface{}); ok && len(given) > 0 {
				if g, ok := scalarString(given[0]); ok {
					idx.SearchParams["given"] = g
					parts = append(parts, g)
				}
			}
			if len(parts) > 0 {
				idx.SearchParams["name"] = strings.Join(parts, " ")
			}
		}
	}

	// Reference columns. subject/patient feed the patient reference; the
	// remaining well-known fields feed organization and practitioner.
	idx.PatientRef = findReference(m, []string{"subject", "patient"}, "Patient")
	idx.OrganizationRef = findReference(m,
		[]string{"managingOrganization", "serviceProvider", "organization", "performer", "requester"},
		"Organization")
	idx.PractitionerRef = findReference(m,
		[]string{"practitioner", "generalPractitioner", "requester", "recorder", "performer", "author"},
		"Practitioner")

	if idx.PatientRef != nil {
		idx.SearchParams["patient"] = *idx.PatientRef
	}

	// Domain timestamps.
	if meta, ok := m["meta"].(map[string]interface{}); ok {
		if s, ok := scalarString(meta["lastUpdated"]); ok {
			if t, err := fhir.ParseDate(s); err == nil {
				idx.LastUpdated = &t
			}
		}
	}
	for _, key := range []string{"created", "recordedDate", "date", "authoredOn"} {
		if s, ok := scalarString(m[key]); ok {
			if t, err := fhir.ParseDate(s); err == nil {
				idx.FHIRCreated = &t
				break
			}
		}
	}

	return idx, nil
}

// scalarString renders a scalar JSON value as its search-parameter string.
func scalarString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		if val == "" {
			return "", false
		}
		return val, true
	case bool:
		if val {
			return "true", true
		}
		return "false", true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	}
	return "", false
}

func firstIdentifierValue(v interface{}) string {
	idents, ok := v.([]interface{})
	if !ok || len(idents) == 0 {
		return ""
	}
	ident, ok := idents[0].(map[string]interface{})
	if !ok {
		return ""
	}
	s, _ := scalarString(ident["value"])
	return s
}

func firstCodingCode(v interface{}) string {
	cc, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	codings, ok := cc["coding"].([]interface{})
	if !ok || len(codings) == 0 {
		return ""
	}
	coding, ok := codings[0].(map[string]interface{})
	if !ok {
		return ""
	}
	s, _ := scalarString(coding["code"])
	return s
}

// findReference scans the given fields for a reference whose target type
// matches wantType and returns the full "Type/id" string.
func findReference(m map[string]interface{}, fields []string, wantType string) *string {
	for _, field := range fields {
		for _, candidate := range referenceStrings(m[field]) {
			if strings.HasPrefix(candidate, wantType+"/") {
				ref := candidate
				return &ref
			}
		}
	}
	return nil
}

// referenceStrings collects reference values from a field that may be a
// Reference object, an array of them, or an array of {actor/individual}
// wrappers.
func referenceStrings(v interface{}) []string {
	var out []string
	switch val := v.(type) {
	case map[string]interface{}:
		if s, ok := scalarString(val["reference"]); ok {
			out = append(out, s)
		}
		for _, wrap := range []string{"actor", "individual", "agent"} {
			if inner, ok := val[wrap].(map[string]interface{}); ok {
				if s, ok := scalarString(inner["reference"]); ok {
					out = append(out, s)
				}
			}
		}
	case []interface{}:
		for _, item := range val {
			out = append(out, referenceStrings(item)...)
		}
	}
	return out
}
