package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bundle types used by this server.
const (
	BundleTypeCollection  = "collection"
	BundleTypeSearchset   = "searchset"
	BundleTypeHistory     = "history"
	BundleTypeTransaction = "transaction"
	BundleTypeBatch       = "batch"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status       string     `json:"status"`
	Location     string     `json:"location,omitempty"`
	LastModified *time.Time `json:"lastModified,omitempty"`
	Etag         string     `json:"etag,omitempty"`
}

// IsValidBundleType reports whether t is a bundle type this server produces.
func IsValidBundleType(t string) bool {
	switch t {
	case BundleTypeCollection, BundleTypeSearchset, BundleTypeHistory,
		BundleTypeTransaction, BundleTypeBatch:
		return true
	}
	return false
}

// NewBundle creates an empty Bundle of the given type with a fresh timestamp.
func NewBundle(bundleType string) *Bundle {
	now := time.Now().UTC()
	total := 0
	return &Bundle{
		ResourceType: "Bundle",
		Type:         bundleType,
		Total:        &total,
		Timestamp:    &now,
	}
}

// AddMatchEntry appends an entry with search.mode=match and keeps Total in sync.
func (b *Bundle) AddMatchEntry(fullURL string, resource json.RawMessage) {
	b.Entry = append(b.Entry, BundleEntry{
		FullURL:  fullURL,
		Resource: resource,
		Search:   &BundleSearch{Mode: "match"},
	})
	n := len(b.Entry)
	b.Total = &n
}

// SearchBundleParams holds pagination and link information for a search bundle.
type SearchBundleParams struct {
	BaseURL  string
	QueryStr string
	Count    int
	Offset   int
	Total    int
}

// NewSearchBundle creates a searchset Bundle from raw resource documents with
// pagination links. fullUrl for each entry comes from the document's
// resourceType and id fields.
func NewSearchBundle(resources []json.RawMessage, params SearchBundleParams) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(resources))
	for i, raw := range resources {
		entries[i] = BundleEntry{
			FullURL:  extractFullURL(raw),
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		}
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeSearchset,
		Total:        &params.Total,
		Timestamp:    &now,
		Link:         buildPaginationLinks(params),
		Entry:        entries,
	}
}

// HistoryItem is one version entry for a history bundle.
type HistoryItem struct {
	ResourceType string
	FHIRID       string
	VersionID    int
	Resource     json.RawMessage
	Deleted      bool
	LastModified time.Time
}

// NewHistoryBundle creates a Bundle of type "history" from version entries,
// newest first. Deleted versions get a DELETE request entry with no resource
// body, per the FHIR history interaction.
func NewHistoryBundle(items []HistoryItem, total int, baseURL string) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(items))

	for i, item := range items {
		method := "PUT"
		status := "200 OK"
		body := item.Resource
		if item.VersionID == 1 {
			method = "POST"
			status = "201 Created"
		}
		if item.Deleted {
			method = "DELETE"
			status = "204 No Content"
			body = nil
		}

		lastModified := item.LastModified
		entries[i] = BundleEntry{
			FullURL:  fmt.Sprintf("%s/%s/%s/_history/%d", baseURL, item.ResourceType, item.FHIRID, item.VersionID),
			Resource: body,
			Request: &BundleRequest{
				Method: method,
				URL:    fmt.Sprintf("%s/%s", item.ResourceType, item.FHIRID),
			},
			Response: &BundleResponse{
				Status:       status,
				Etag:         FormatETag(item.VersionID),
				LastModified: &lastModified,
			},
		}
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeHistory,
		Total:        &total,
		Timestamp:    &now,
		Entry:        entries,
	}
}

// extractFullURL builds "ResourceType/id" from a raw resource document.
func extractFullURL(raw json.RawMessage) string {
	var doc struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	if doc.ResourceType == "" || doc.ID == "" {
		return ""
	}
	return doc.ResourceType + "/" + doc.ID
}

// buildPaginationLinks creates self, next, and previous links for searchset bundles.
func buildPaginationLinks(params SearchBundleParams) []BundleLink {
	qs := params.QueryStr
	if qs != "" {
		qs += "&"
	}

	links := []BundleLink{
		{
			Relation: "self",
			URL:      fmt.Sprintf("%s?%s_count=%d&_offset=%d", params.BaseURL, qs, params.Count, params.Offset),
		},
	}

	if params.Offset+params.Count < params.Total {
		links = append(links, BundleLink{
			Relation: "next",
			URL:      fmt.Sprintf("%s?%s_count=%d&_offset=%d", params.BaseURL, qs, params.Count, params.Offset+params.Count),
		})
	}

	if params.Offset > 0 {
		prev := params.Offset - params.Count
		if prev < 0 {
			prev = 0
		}
		links = append(links, BundleLink{
			Relation: "previous",
			URL:      fmt.Sprintf("%s?%s_count=%d&_offset=%d", params.BaseURL, qs, params.Count, prev),
		})
	}

	return links
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
