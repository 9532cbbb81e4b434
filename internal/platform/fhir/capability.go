package fhir

import (
	"sort"
	"time"
)

// CapabilityStatement represents the FHIR CapabilityStatement (metadata).
type CapabilityStatement struct {
	ResourceType   string            `json:"resourceType"`
	Status         string            `json:"status"`
	Date           string            `json:"date"`
	Kind           string            `json:"kind"`
	FHIRVersion    string            `json:"fhirVersion"`
	Format         []string          `json:"format"`
	Implementation *CSImplementation `json:"implementation,omitempty"`
	Rest           []CSRest          `json:"rest"`
}

type CSImplementation struct {
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

type CSRest struct {
	Mode     string       `json:"mode"`
	Resource []CSResource `json:"resource"`
}

type CSResource struct {
	Type        string          `json:"type"`
	Interaction []CSInteraction `json:"interaction"`
	Versioning  string          `json:"versioning,omitempty"`
	ReadHistory bool            `json:"readHistory,omitempty"`
}

type CSInteraction struct {
	Code string `json:"code"`
}

// NewCapabilityStatement creates the server's capability statement, listing
// every known resource type with the full versioned CRUD interaction set.
func NewCapabilityStatement(baseURL string) *CapabilityStatement {
	types := make([]string, 0, len(knownResourceTypes))
	for t := range knownResourceTypes {
		types = append(types, t)
	}
	sort.Strings(types)

	resources := make([]CSResource, 0, len(types))
	for _, t := range types {
		resources = append(resources, CSResource{
			Type: t,
			Interaction: []CSInteraction{
				{Code: "read"},
				{Code: "vread"},
				{Code: "search-type"},
				{Code: "history-instance"},
				{Code: "create"},
				{Code: "update"},
				{Code: "delete"},
			},
			Versioning:  "versioned",
			ReadHistory: true,
		})
	}

	return &CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Date:         time.Now().UTC().Format("2006-01-02"),
		Kind:         "instance",
		FHIRVersion:  "4.0.1",
		Format:       []string{"json"},
		Implementation: &CSImplementation{
			Description: "fhirvault versioned FHIR resource store",
			URL:         baseURL,
		},
		Rest: []CSRest{
			{Mode: "server", Resource: resources},
		},
	}
}
