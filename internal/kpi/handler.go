package kpi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Syncer triggers a pipeline run; satisfied by *Service.
type Syncer interface {
	RunSync(ctx context.Context) (*SyncResult, error)
}

// Handler exposes the sync trigger and the KPI read API.
type Handler struct {
	syncer Syncer
	repo   Repository
	log    zerolog.Logger
}

// NewHandler creates the HTTP handler for the KPI API.
func NewHandler(syncer Syncer, repo Repository, log zerolog.Logger) *Handler {
	return &Handler{
		syncer: syncer,
		repo:   repo,
		log:    log.With().Str("component", "kpi-api").Logger(),
	}
}

// Register mounts the API routes on the given group.
func (h *Handler) Register(g *echo.Group) {
	g.POST("/sync", h.Sync)
	g.GET("/kpi", h.ListSummaries)
	g.GET("/kpi/details", h.ListDetails)
}

// Sync runs the pipeline. A run already in flight yields 409.
func (h *Handler) Sync(c echo.Context) error {
	res, err := h.syncer.RunSync(c.Request().Context())
	if errors.Is(err, ErrSyncInProgress) {
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"success": false,
			"message": "同步進行中，請稍後再試。",
		})
	}
	if err != nil {
		h.log.Error().Err(err).Msg("sync run failed")
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": "同步失敗: " + err.Error(),
		})
	}
	return c.JSON(http.StatusOK, res)
}

// ListSummaries returns summary rows, filterable by department, doctor and
// indicator. Multi-value filters are comma-separated.
func (h *Handler) ListSummaries(c echo.Context) error {
	f := SummaryFilter{
		Departments: splitParam(c.QueryParam("department")),
		Doctors:     splitParam(c.QueryParam("doctor")),
		Indicator:   c.QueryParam("indicator"),
	}

	rows, err := h.repo.ListSummaries(c.Request().Context(), f)
	if err != nil {
		h.log.Error().Err(err).Msg("list summaries failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to query kpi summaries",
		})
	}
	if rows == nil {
		rows = []SummaryRow{}
	}
	return c.JSON(http.StatusOK, rows)
}

// ListDetails returns detail rows; abnormal=true restricts to abnormal
// cases.
func (h *Handler) ListDetails(c echo.Context) error {
	f := DetailFilter{
		Departments:  splitParam(c.QueryParam("department")),
		Doctors:      splitParam(c.QueryParam("doctor")),
		Indicator:    c.QueryParam("indicator"),
		AbnormalOnly: c.QueryParam("abnormal") == "true",
	}

	rows, err := h.repo.ListDetails(c.Request().Context(), f)
	if err != nil {
		h.log.Error().Err(err).Msg("list details failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to query kpi details",
		})
	}
	if rows == nil {
		rows = []DetailRow{}
	}
	return c.JSON(http.StatusOK, rows)
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
