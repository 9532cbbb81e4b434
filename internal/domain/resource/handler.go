package resource

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirvault/fhirvault/internal/platform/auth"
	"github.com/fhirvault/fhirvault/internal/platform/fhir"
	"github.com/fhirvault/fhirvault/pkg/pagination"
)

type Handler struct {
	svc     *Service
	baseURL string
	log     zerolog.Logger
}

func NewHandler(svc *Service, baseURL string, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, baseURL: baseURL, log: logger.With().Str("component", "resource-api").Logger()}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.GET("/metadata", h.Metadata)

	read := fhirGroup.Group("", auth.RequireRole("admin", "physician", "nurse"))
	read.GET("/:type", h.Search)
	read.POST("/:type/_search", h.Search)
	read.GET("/:type/:id", h.Read)
	read.GET("/:type/:id/_history", h.History)
	read.GET("/:type/:id/_history/:vid", h.Vread)

	write := fhirGroup.Group("", auth.RequireRole("admin", "physician"))
	write.POST("/:type", h.Create)
	write.PUT("/:type/:id", h.Update)
	write.DELETE("/:type/:id", h.Delete)
}

func (h *Handler) Metadata(c echo.Context) error {
	return fhirJSON(c, http.StatusOK, fhir.NewCapabilityStatement(h.baseURL))
}

func (h *Handler) Create(c echo.Context) error {
	resourceType, _, err := pathIdentity(c, false)
	if err != nil {
		return fhirJSON(c, http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	doc, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fhirJSON(c, http.StatusBadRequest, fhir.InvalidOutcome("failed to read request body"))
	}

	rec, err := h.svc.Create(c.Request().Context(), resourceType, doc)
	if err != nil {
		return h.writeError(c, err, resourceType, "")
	}

	c.Response().Header().Set("Location", h.baseURL+"/"+rec.CompositeKey())
	fhir.SetVersionHeaders(c, rec.VersionID, rec.LastUpdated.Format(time.RFC3339))
	return fhirJSON(c, http.StatusCreated, rec.Resource)
}

func (h *Handler) Read(c echo.Context) error {
	resourceType, fhirID, err := pathIdentity(c, true)
	if err != nil {
		return fhirJSON(c, http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}

	rec, err := h.svc.Get(c.Request().Context(), resourceType, fhirID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return h.readMiss(c, resourceType, fhirID)
		}
		return h.writeError(c, err, resourceType, fhirID)
	}

	if fhir.CheckIfNoneMatch(c, rec.VersionID) {
		fhir.SetVersionHeaders(c, rec.VersionID, rec.LastUpdated.Format(time.RFC3339))
		return c.NoContent(http.StatusNotModified)
	}

	fhir.SetVersionHeaders(c, rec.VersionID, rec.LastUpdated.Format(time.RFC3339))
	return fhirJSON(c, http.StatusOK, rec.Resource)
}

// readMiss distinguishes a record whose latest version is a deletion marker
// (410 Gone) from one that never existed (404).
func (h *Handler) readMiss(c echo.Context, resourceType, fhirID string) error {
	versions, _, err := h.svc.History(c.Request().Context(), resourceType, fhirID, 1, 0, true)
	if err == nil && len(versions) > 0 && versions[0].IsDeleted {
		fhir.SetVersionHeaders(c, versions[0].VersionID, versions[0].LastUpdated.Format(time.RFC3339))
		return fhirJSON(c, http.StatusGone, fhir.GoneOutcome(resourceType, fhirID))
	}
	return fhirJSON(c, http.StatusNotFound, fhir.NotFoundOutcome(resourceType, fhirID))
}

func (h *Handler) Update(c echo.Context) error {
	resourceType, fhirID, err := pathIdentity(c, true)
	if err != nil {
		return fhirJSON(c, http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	doc, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fhirJSON(c, http.StatusBadRequest, fhir.InvalidOutcome("failed to read request body"))
	}
	expectedVersion, err := fhir.CheckIfMatch(c)
	if err != nil {
		return fhirJSON(c, http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}

	rec, err := h.svc.Update(c.Request().Context(), resourceType, fhirID, doc, expectedVersion)
	if err != nil {
		return h.writeError(c, err, resourceType, fhirID)
	}

	fhir.SetVersionHeaders(c, rec.VersionID, rec.LastUpdated.Format(time.RFC3339))
	return fhirJSON(c, http.StatusOK, rec.Resource)
}

func (h *Handler) Delete(c echo.Context) error {
	resourceType, fhirID, err := pathIdentity(c, true)
	if err != nil {
		return fhirJSON(c, http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}

	if _, err := h.svc.Delete(c.Request().Context(), resourceType, fhirID, c.QueryParam("reason")); err != nil {
		return h.writeError(c, err, resourceType, fhirID)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Vread(c echo.Context) error {
	resourceType, fhirID, err := pathIdentity(c, true)
	if err != nil {
		return fhirJSON(c, http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	versionID, err := strconv.Atoi(c.Param("vid"))
	if err != nil || versionID < 1 {
		return fhirJSON(c, http.StatusBadRequest, fhir.InvalidOutcome("invalid version id"))
	}

	rec, err := h.svc.GetVersion(c.Request().Context(), resourceType, fhirID, versionID)
	if err != nil {
		return h.writeError(c, err, resourceType, fhirID)
	}
	if rec.IsDeleted {
		return fhirJSON(c, http.StatusGone, fhir.GoneOutcome(resourceType, fhirID))
	}

	fhir.SetVersionHeaders(c, rec.VersionID, rec.LastUpdated.Format(time.RFC3339))
	return fhirJSON(c, http.StatusOK, rec.Resource)
}

func (h *Handler) History(c echo.Context) error {
	resourceType, fhirID, err := pathIdentity(c, true)
	if err != nil {
		return fhirJSON(c, http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	pg := pagination.FromContext(c)
	includeDeleted := c.QueryParam("_includeDeleted") != "false"

	versions, total, err := h.svc.History(c.Request().Context(), resourceType, fhirID, pg.PageSize, pg.Offset(), includeDeleted)
	if err != nil {
		return h.writeError(c, err, resourceType, fhirID)
	}

	items := make([]fhir.HistoryItem, len(versions))
	for i, v := range versions {
		items[i] = fhir.HistoryItem{
			ResourceType: v.ResourceType,
			FHIRID:       v.FHIRID,
			VersionID:    v.VersionID,
			Resource:     v.Resource,
			Deleted:      v.IsDeleted,
			LastModified: v.LastUpdated,
		}
	}
	return fhirJSON(c, http.StatusOK, fhir.NewHistoryBundle(items, total, h.baseURL))
}

func (h *Handler) Search(c echo.Context) error {
	resourceType, _, err := pathIdentity(c, false)
	if err != nil {
		return fhirJSON(c, http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	pg := pagination.FromContext(c)

	q := &SearchQuery{
		ResourceType:   resourceType,
		Params:         ParamsFromQuery(c.QueryParams()),
		Status:         c.QueryParam("status"),
		Page:           pg.Page,
		PageSize:       pg.PageSize,
		SortBy:         c.QueryParam("_sort"),
		SortDirection:  c.QueryParam("_sortDir"),
		IncludeDeleted: c.QueryParam("_includeDeleted") == "true",
	}
	if v := c.QueryParam("patient"); v != "" {
		q.PatientRef = refValue("Patient", v)
	}
	if v := c.QueryParam("organization"); v != "" {
		q.OrganizationRef = refValue("Organization", v)
	}
	if v := c.QueryParam("practitioner"); v != "" {
		q.PractitionerRef = refValue("Practitioner", v)
	}

	records, total, err := h.svc.Search(c.Request().Context(), q)
	if err != nil {
		return h.writeError(c, err, resourceType, "")
	}

	resources := make([]json.RawMessage, len(records))
	for i, rec := range records {
		resources[i] = rec.Resource
	}
	bundle := fhir.NewSearchBundle(resources, fhir.SearchBundleParams{
		BaseURL:  h.baseURL + "/" + resourceType,
		QueryStr: c.QueryString(),
		Count:    q.PageSize,
		Offset:   q.Offset(),
		Total:    total,
	})
	return fhirJSON(c, http.StatusOK, bundle)
}

func (h *Handler) writeError(c echo.Context, err error, resourceType, fhirID string) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fhirJSON(c, http.StatusNotFound, fhir.NotFoundOutcome(resourceType, fhirID))
	case errors.Is(err, ErrConflict):
		return fhirJSON(c, http.StatusConflict, fhir.ConflictOutcome(err.Error()))
	case errors.Is(err, ErrInvalid):
		return fhirJSON(c, http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	h.log.Error().Err(err).
		Str("resource_type", resourceType).
		Str("fhir_id", fhirID).
		Str("path", c.Request().URL.Path).
		Msg("unhandled storage error")
	return fhirJSON(c, http.StatusInternalServerError, fhir.ErrorOutcome("internal server error"))
}

// pathIdentity validates the :type (and optionally :id) path segments before
// they reach SQL or storage keys.
func pathIdentity(c echo.Context, wantID bool) (string, string, error) {
	resourceType := c.Param("type")
	if !fhir.IsValidResourceType(resourceType) {
		return "", "", fmt.Errorf("invalid resource type: %s", resourceType)
	}
	if !wantID {
		return resourceType, "", nil
	}
	fhirID := c.Param("id")
	if !fhir.IsValidFHIRID(fhirID) {
		return "", "", fmt.Errorf("invalid resource id")
	}
	return resourceType, fhirID, nil
}

// refValue normalizes a reference filter value to "Type/id" form so that bare
// ids match the stored reference columns.
func refValue(resourceType, v string) string {
	if !strings.Contains(v, "/") {
		return resourceType + "/" + v
	}
	return v
}

// fhirJSON writes a response with the FHIR JSON media type. Setting the header
// first makes echo's JSON writer keep it instead of application/json.
func fhirJSON(c echo.Context, status int, body interface{}) error {
	c.Response().Header().Set(echo.HeaderContentType, fhir.MIMEFHIRJSON)
	return c.JSON(status, body)
}
