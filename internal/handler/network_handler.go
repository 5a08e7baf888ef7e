package handler

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"

	"netviz/internal/model"
	"netviz/internal/service"
)

// maxPage keeps (page-1)*per_page within 32 bits.
const maxPage = math.MaxInt32 / service.MaxPageLimit

type QueryService interface {
	GetStats() (*model.DashboardStats, error)
	Search(query model.SearchQuery, page model.Page) (*model.SearchResult, error)
	GetByASN(asn uint32) (*model.NetworkRecord, error)
}

type Refresher interface {
	Trigger(ctx context.Context) bool
	State() model.RefreshStage
}

type Handler struct {
	query     QueryService
	refresher Refresher
	metrics   http.Handler
	logger    *zap.Logger
}

// NewHandler builds the API handlers. metrics may be nil, in which case
// /metrics is not served.
func NewHandler(query QueryService, refresher Refresher, metrics http.Handler, logger *zap.Logger) *Handler {
	return &Handler{
		query:     query,
		refresher: refresher,
		metrics:   metrics,
		logger:    logger,
	}
}

func (h *Handler) RegisterRoutes(app *fiber.App) {
	api := app.Group("/api/v1")
	api.Get("/stats", h.GetStats)
	api.Get("/networks", h.SearchNetworks)
	api.Get("/networks/:asn", h.GetNetwork)
	api.Get("/analytics", h.GetAnalytics)
	api.Get("/network-types", h.GetNetworkTypes)
	api.Post("/refresh", h.TriggerRefresh)
	api.Get("/health", h.HealthCheck)

	if h.metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(h.metrics))
	}
}

func (h *Handler) GetStats(c *fiber.Ctx) error {
	stats, err := h.query.GetStats()
	if err != nil {
		return h.queryError(c, err, "Failed to load statistics")
	}
	return c.JSON(stats)
}

func (h *Handler) SearchNetworks(c *fiber.Ctx) error {
	query := model.SearchQuery{Name: c.Query("q")}

	if raw := c.Query("asn"); raw != "" {
		asn, err := service.ParseASN(raw)
		if err != nil {
			return badRequest(c, "Invalid ASN: "+raw)
		}
		query.ASN = asn
	} else if asn, err := service.ParseASN(query.Name); err == nil {
		// A search box holding "AS13335" or "13335" also matches by ASN.
		query.ASN = asn
	}

	if raw := c.Query("type"); raw != "" {
		if query.NetworkType = model.ParseNetworkType(raw); query.NetworkType == model.TypeUnknown && raw != string(model.TypeUnknown) {
			return badRequest(c, "Unknown network type: "+raw)
		}
	}
	if raw := c.Query("policy"); raw != "" {
		if query.Policy = model.ParsePolicy(raw); query.Policy == model.PolicyUnknown && raw != string(model.PolicyUnknown) {
			return badRequest(c, "Unknown peering policy: "+raw)
		}
	}
	if raw := c.Query("scope"); raw != "" {
		if query.Scope = model.ParseScope(raw); query.Scope == model.ScopeUnknown && raw != string(model.ScopeUnknown) {
			return badRequest(c, "Unknown geographic scope: "+raw)
		}
	}

	query.Status = strings.TrimSpace(c.Query("status"))

	perPage := c.QueryInt("per_page", service.DefaultPageLimit)
	switch {
	case perPage < 1:
		perPage = service.DefaultPageLimit
	case perPage > service.MaxPageLimit:
		perPage = service.MaxPageLimit
	}
	page := c.QueryInt("page", 1)
	switch {
	case page < 1:
		page = 1
	case page > maxPage:
		page = maxPage
	}

	result, err := h.query.Search(query, model.Page{Offset: (page - 1) * perPage, Limit: perPage})
	if err != nil {
		return h.queryError(c, err, "Failed to search networks")
	}
	return c.JSON(result)
}

func (h *Handler) GetNetwork(c *fiber.Ctx) error {
	raw := c.Params("asn")
	asn, err := service.ParseASN(raw)
	if err != nil {
		return badRequest(c, "Invalid ASN: "+raw)
	}

	network, err := h.query.GetByASN(asn)
	if err != nil {
		return h.queryError(c, err, "Failed to look up network")
	}
	return c.JSON(network)
}

func (h *Handler) GetAnalytics(c *fiber.Ctx) error {
	stats, err := h.query.GetStats()
	if err != nil {
		return h.queryError(c, err, "Failed to load analytics")
	}
	return c.JSON(fiber.Map{
		"version":       stats.Version,
		"source_status": stats.SourceStatus,
		"analytics":     stats.Analytics,
	})
}

type chartSeries struct {
	Labels []string `json:"labels"`
	Data   []int    `json:"data"`
}

// GetNetworkTypes returns the network type breakdown as a chart series,
// largest first.
func (h *Handler) GetNetworkTypes(c *fiber.Ctx) error {
	stats, err := h.query.GetStats()
	if err != nil {
		return h.queryError(c, err, "Failed to load network types")
	}

	series := chartSeries{Labels: []string{}, Data: []int{}}
	for t := range stats.ByNetworkType {
		series.Labels = append(series.Labels, string(t))
	}
	sort.Slice(series.Labels, func(i, j int) bool {
		ci := stats.ByNetworkType[model.NetworkType(series.Labels[i])]
		cj := stats.ByNetworkType[model.NetworkType(series.Labels[j])]
		if ci != cj {
			return ci > cj
		}
		return series.Labels[i] < series.Labels[j]
	})
	for _, label := range series.Labels {
		series.Data = append(series.Data, stats.ByNetworkType[model.NetworkType(label)])
	}
	return c.JSON(series)
}

func (h *Handler) TriggerRefresh(c *fiber.Ctx) error {
	if h.refresher.Trigger(c.UserContext()) {
		h.logger.Info("Manual refresh triggered", zap.String("ip", c.IP()))
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"status": "started",
		})
	}
	return c.JSON(fiber.Map{
		"status": "in_progress",
		"state":  h.refresher.State(),
	})
}

func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	body := fiber.Map{
		"status":        "healthy",
		"refresh_state": h.refresher.State(),
	}
	if stats, err := h.query.GetStats(); err == nil {
		body["version"] = stats.Version
		body["source_status"] = stats.SourceStatus
	}
	return c.JSON(body)
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(model.Error{Message: msg})
}

func (h *Handler) queryError(c *fiber.Ctx, err error, msg string) error {
	switch {
	case errors.Is(err, model.ErrNoData):
		return c.Status(fiber.StatusServiceUnavailable).JSON(model.Error{
			Message: "No network data available yet, a refresh is pending",
		})
	case errors.Is(err, model.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(model.Error{
			Message: "Network not found",
		})
	}

	h.logger.Error(msg,
		zap.String("path", c.Path()),
		zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(model.Error{
		Message: msg,
	})
}
