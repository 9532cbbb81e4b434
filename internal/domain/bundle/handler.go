package bundle

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirvault/fhirvault/internal/domain/resource"
	"github.com/fhirvault/fhirvault/internal/platform/auth"
	"github.com/fhirvault/fhirvault/internal/platform/fhir"
)

type Handler struct {
	exporter *Exporter
	importer *Importer
	log      zerolog.Logger
}

func NewHandler(exporter *Exporter, importer *Importer, logger zerolog.Logger) *Handler {
	return &Handler{
		exporter: exporter,
		importer: importer,
		log:      logger.With().Str("component", "bundle-api").Logger(),
	}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	g := fhirGroup.Group("", auth.RequireRole("admin", "physician"))
	g.POST("/$import-bundle", h.Import)
	g.GET("/$export-bundle", h.Export)
	g.POST("/$export-bundle", h.Export)
}

// Import ingests a Bundle and always answers 200 with a per-entry report;
// only a malformed top-level Bundle is rejected outright.
func (h *Handler) Import(c echo.Context) error {
	opts, err := importOptionsFromQuery(c)
	if err != nil {
		return fhirJSON(c, http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}

	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fhirJSON(c, http.StatusBadRequest, fhir.InvalidOutcome("failed to read request body"))
	}

	report, err := h.importer.Import(c.Request().Context(), raw, opts)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// Export assembles a bundle; GET takes its selection from the query string,
// POST from a JSON body of ExportOptions. Statistics travel in X-Export-*
// response headers so the body stays a plain FHIR Bundle.
func (h *Handler) Export(c echo.Context) error {
	var opts ExportOptions
	var err error
	if c.Request().Method == http.MethodPost {
		err = c.Bind(&opts)
	} else {
		opts, err = exportOptionsFromQuery(c)
	}
	if err != nil {
		return fhirJSON(c, http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}

	b, stats, err := h.exporter.Export(c.Request().Context(), opts)
	if err != nil {
		return h.writeError(c, err)
	}

	hdr := c.Response().Header()
	hdr.Set("X-Export-Processed", strconv.Itoa(stats.ResourcesProcessed))
	hdr.Set("X-Export-Included", strconv.Itoa(stats.ResourcesIncluded))
	hdr.Set("X-Export-Excluded", strconv.Itoa(stats.ResourcesExcluded))
	hdr.Set("X-Export-History-Versions", strconv.Itoa(stats.HistoryVersionsIncluded))
	hdr.Set("X-Export-Bytes", strconv.Itoa(stats.ByteSize))
	hdr.Set("X-Export-Duration-Ms", strconv.FormatInt(stats.Duration.Milliseconds(), 10))
	return fhirJSON(c, http.StatusOK, b)
}

// importOptionsFromQuery supports both the strategy parameter and the older
// boolean pair: skipExisting=true maps to skip-existing, updateExisting=false
// to create-only. An explicit strategy always wins.
func importOptionsFromQuery(c echo.Context) (ImportOptions, error) {
	opts := ImportOptions{
		ValidateResources: c.QueryParam("validateResources") == "true",
	}

	strategy, err := ParseStrategy(c.QueryParam("strategy"))
	if err != nil {
		return opts, err
	}
	if c.QueryParam("strategy") == "" {
		switch {
		case c.QueryParam("skipExisting") == "true":
			strategy = StrategySkipExisting
		case c.QueryParam("updateExisting") == "false":
			strategy = StrategyCreateOnly
		}
	}
	opts.Strategy = strategy
	return opts, nil
}

// exportQueryControls are the query-string keys consumed as export controls;
// everything else becomes a search parameter.
var exportQueryControls = map[string]bool{
	"resourceType": true, "fhirIds": true, "patient": true,
	"startDate": true, "endDate": true,
	"timePeriod": true, "timePeriodCount": true,
	"bundleType": true, "includeHistory": true, "maxHistoryVersions": true,
	"maxObservationsPerPatient": true,
	"excludeContained":          true, "excludeExtensions": true, "excludeMeta": true,
}

func exportOptionsFromQuery(c echo.Context) (ExportOptions, error) {
	opts := ExportOptions{
		ResourceType:      c.QueryParam("resourceType"),
		PatientRef:        c.QueryParam("patient"),
		TimePeriod:        c.QueryParam("timePeriod"),
		BundleType:        c.QueryParam("bundleType"),
		IncludeHistory:    c.QueryParam("includeHistory") == "true",
		ExcludeContained:  c.QueryParam("excludeContained") == "true",
		ExcludeExtensions: c.QueryParam("excludeExtensions") == "true",
		ExcludeMeta:       c.QueryParam("excludeMeta") == "true",
	}

	if v := c.QueryParam("fhirIds"); v != "" {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				opts.FHIRIDs = append(opts.FHIRIDs, id)
			}
		}
	}
	for name, dst := range map[string]**time.Time{"startDate": &opts.StartDate, "endDate": &opts.EndDate} {
		if v := c.QueryParam(name); v != "" {
			t, err := fhir.ParseDate(v)
			if err != nil {
				return opts, err
			}
			*dst = &t
		}
	}
	for name, dst := range map[string]*int{
		"timePeriodCount":           &opts.TimePeriodCount,
		"maxHistoryVersions":        &opts.MaxHistoryVersions,
		"maxObservationsPerPatient": &opts.MaxObservationsPerPatient,
	} {
		if v := c.QueryParam(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return opts, err
			}
			*dst = n
		}
	}

	params := map[string]string{}
	for k, v := range c.QueryParams() {
		if exportQueryControls[k] || len(v) == 0 {
			continue
		}
		params[k] = v[0]
	}
	if len(params) > 0 {
		opts.SearchParams = params
	}
	return opts, nil
}

// writeError maps the storage error taxonomy onto HTTP statuses the same way
// the resource handlers do. Unexpected errors are logged and never echoed.
func (h *Handler) writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, resource.ErrInvalid):
		return fhirJSON(c, http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	case errors.Is(err, resource.ErrConflict):
		return fhirJSON(c, http.StatusConflict, fhir.ConflictOutcome(err.Error()))
	case errors.Is(err, resource.ErrNotFound):
		return fhirJSON(c, http.StatusNotFound, fhir.ErrorOutcome(err.Error()))
	}
	h.log.Error().Err(err).Str("path", c.Request().URL.Path).Msg("bundle operation failed")
	return fhirJSON(c, http.StatusInternalServerError, fhir.ErrorOutcome("internal server error"))
}

func fhirJSON(c echo.Context, status int, body interface{}) error {
	c.Response().Header().Set(echo.HeaderContentType, fhir.MIMEFHIRJSON)
	return c.JSON(status, body)
}
