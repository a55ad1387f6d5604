package rest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/totegamma/affiliate-ledger"
	"github.com/totegamma/affiliate-ledger/internal/domain"
	"github.com/totegamma/affiliate-ledger/internal/present/rest/middleware"
	"github.com/totegamma/affiliate-ledger/internal/present/rest/presenter"
	"github.com/totegamma/affiliate-ledger/internal/service"
	"github.com/totegamma/affiliate-ledger/internal/usecase"
)

// Limits are the per-route rate limit middlewares. nil disables a limit.
type Limits struct {
	Register echo.MiddlewareFunc
	Purchase echo.MiddlewareFunc
}

type Handler struct {
	config     domain.Config
	affiliates *usecase.AffiliateUsecase
	purchase   *usecase.PurchaseUsecase
	health     *usecase.HealthUsecase
	metrics    *usecase.MetricsUsecase
	caches     *usecase.CacheUsecase
	signal     *service.SignalService
	prometheus http.Handler
	limits     Limits
}

// NewHandler wires the HTTP surface. signal and prometheus may be nil.
func NewHandler(
	config domain.Config,
	affiliates *usecase.AffiliateUsecase,
	purchase *usecase.PurchaseUsecase,
	health *usecase.HealthUsecase,
	metrics *usecase.MetricsUsecase,
	caches *usecase.CacheUsecase,
	signal *service.SignalService,
	prometheus http.Handler,
	limits Limits,
) *Handler {
	return &Handler{
		config:     config,
		affiliates: affiliates,
		purchase:   purchase,
		health:     health,
		metrics:    metrics,
		caches:     caches,
		signal:     signal,
		prometheus: prometheus,
		limits:     limits,
	}
}

func with(m echo.MiddlewareFunc) []echo.MiddlewareFunc {
	if m == nil {
		return nil
	}
	return []echo.MiddlewareFunc{m}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/.well-known/affiliate", h.handleWellKnown)
	e.POST("/api/v1/register", h.handleRegister, with(h.limits.Register)...)
	e.GET("/resource/:uri", h.handleResource, with(h.limits.Register)...)
	e.GET("/api/v1/affiliates/:id", h.handleAffiliate)
	e.POST("/affiliate_buy_tokens", h.handlePurchase, with(h.limits.Purchase)...)
	e.OPTIONS("/affiliate_buy_tokens", h.handlePurchaseOptions)
	e.POST("/record_commission", h.handleRecordCommission)
	e.GET("/health", h.handleHealth)
	e.GET("/metrics", h.handleMetrics)
	if h.prometheus != nil {
		e.GET("/metrics/prometheus", echo.WrapHandler(h.prometheus))
	}
	e.GET("/cache/stats", h.handleCacheStats)
	e.POST("/cache/clear", h.handleCacheClear)
	e.POST("/cache/cleanup", h.handleCacheCleanup)
	e.GET("/realtime", h.handleRealtime)
}

func (h *Handler) handleWellKnown(c echo.Context) error {
	host := h.config.PublicURL
	if u, err := url.Parse(h.config.PublicURL); err == nil && u.Host != "" {
		host = u.Host
	}

	wellknown := affiliate.WellKnownAffiliate{
		Version: affiliate.ServiceVersion,
		Domain:  host,
		Endpoints: map[string]affiliate.AffiliateEndpoint{
			"affiliate.resource": {
				Template: "/resource/{uri}",
				Method:   "GET",
			},
			"affiliate.register": {
				Template: "/api/v1/register",
				Method:   "POST",
			},
			"affiliate.get": {
				Template: "/api/v1/affiliates/{id}",
				Method:   "GET",
			},
			"affiliate.purchase": {
				Template: "/affiliate_buy_tokens",
				Method:   "POST",
				Query:    &[]string{"affiliate_id"},
			},
			"affiliate.commission": {
				Template: "/record_commission",
				Method:   "POST",
			},
			"affiliate.health": {
				Template: "/health",
				Method:   "GET",
			},
			"affiliate.metrics": {
				Template: "/metrics",
				Method:   "GET",
			},
			"affiliate.cache": {
				Template: "/cache/stats",
				Method:   "GET",
				Query:    &[]string{"name"},
			},
			"affiliate.realtime": {
				Template: "/realtime",
				Method:   "GET",
			},
		},
	}
	return presenter.OK(c, wellknown)
}

func (h *Handler) handleRegister(c echo.Context) error {
	ctx := c.Request().Context()

	registration, err := h.affiliates.Register(ctx)
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.OK(c, registration)
}

type affiliateView struct {
	domain.AffiliateRecord
	TotalCommission float64 `json:"total_commission"`
}

func (h *Handler) handleResource(c echo.Context) error {
	target, err := affiliate.ParseAffiliateURI(c.Param("uri"))
	if err != nil {
		return presenter.BadRequestMessage(c, err.Error())
	}

	if target == affiliate.RegisterResource {
		return h.handleRegister(c)
	}
	return h.lookup(c, target)
}

func (h *Handler) handleAffiliate(c echo.Context) error {
	return h.lookup(c, c.Param("id"))
}

func (h *Handler) lookup(c echo.Context, id string) error {
	ctx := c.Request().Context()

	record, err := h.affiliates.Get(ctx, id)
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.Cached(c, affiliateView{
		AffiliateRecord: record,
		TotalCommission: record.TotalCommission(),
	})
}

func (h *Handler) handlePurchase(c echo.Context) error {
	ctx := c.Request().Context()
	c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")

	var req affiliate.PurchaseRequest
	if err := c.Bind(&req); err != nil {
		return presenter.BadRequestMessage(c, "invalid request body")
	}
	// the referral URL carries the affiliate in the query string
	if req.AffiliateID == "" {
		req.AffiliateID = c.QueryParam("affiliate_id")
	}

	resp, err := h.purchase.Process(ctx, req, h.clientIP(c))
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.OK(c, resp)
}

func (h *Handler) handlePurchaseOptions(c echo.Context) error {
	header := c.Response().Header()
	header.Set(echo.HeaderAccessControlAllowOrigin, "*")
	header.Set(echo.HeaderAccessControlAllowMethods, "POST, OPTIONS")
	header.Set(echo.HeaderAccessControlAllowHeaders, "Content-Type")
	header.Set(echo.HeaderAccessControlMaxAge, "3600")
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) handleRecordCommission(c echo.Context) error {
	ctx := c.Request().Context()

	var req affiliate.CommissionRequest
	if err := c.Bind(&req); err != nil {
		return presenter.BadRequestMessage(c, "invalid request body")
	}

	record, err := h.affiliates.RecordCommission(ctx, req, h.clientIP(c))
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.OK(c, affiliate.CommissionResponse{
		Success:    true,
		Commission: record.Commission,
		Timestamp:  record.Timestamp,
	})
}

func (h *Handler) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()

	report := h.health.Check(ctx)
	if report.Status != domain.StatusHealthy {
		return c.JSON(http.StatusServiceUnavailable, report)
	}
	return presenter.OK(c, report)
}

func (h *Handler) handleMetrics(c echo.Context) error {
	ctx := c.Request().Context()
	return presenter.Cached(c, h.metrics.Get(ctx))
}

func (h *Handler) handleCacheStats(c echo.Context) error {
	ctx := c.Request().Context()

	stats, err := h.caches.Stats(ctx, c.QueryParam("name"))
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.OK(c, echo.Map{"caches": stats})
}

func (h *Handler) handleCacheClear(c echo.Context) error {
	ctx := c.Request().Context()

	cleared, err := h.caches.Clear(ctx, c.QueryParam("name"))
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.OK(c, echo.Map{"cleared": cleared})
}

func (h *Handler) handleCacheCleanup(c echo.Context) error {
	ctx := c.Request().Context()

	removed, err := h.caches.Cleanup(ctx, c.QueryParam("name"))
	if err != nil {
		return presenter.Error(c, err)
	}
	return presenter.OK(c, echo.Map{"removed": removed})
}

func (h *Handler) clientIP(c echo.Context) string {
	if ip := middleware.ClientIPFrom(c.Request().Context()); ip != "" {
		return ip
	}
	return c.RealIP()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Request struct {
	Type       string   `json:"type"`
	Affiliates []string `json:"affiliates"`
}

func (h *Handler) handleRealtime(c echo.Context) error {
	if h.signal == nil {
		return c.JSON(http.StatusServiceUnavailable, affiliate.ErrorResponse{
			Error: "realtime events are not configured",
			Kind:  string(domain.KindUpstreamUnavailable),
		})
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error(
			"Failed to upgrade WebSocket",
			slog.String("error", err.Error()),
			slog.String("module", "socket"),
		)
		return err
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	input := make(chan []string)
	output := make(chan affiliate.LedgerEvent)

	go h.signal.Realtime(ctx, input, output)

	quit := make(chan struct{})

	go func() {
		defer close(quit)
		for {
			var req Request
			err := ws.ReadJSON(&req)
			if err != nil {
				wsErr, ok := err.(*websocket.CloseError)
				if ok {
					if !(wsErr.Code == websocket.CloseNormalClosure || wsErr.Code == websocket.CloseGoingAway) {
						slog.DebugContext(
							ctx, "WebSocket closed",
							slog.String("error", wsErr.Error()),
							slog.String("module", "socket"),
						)
					}
				} else {
					slog.DebugContext(
						ctx, "Error reading message",
						slog.String("error", err.Error()),
						slog.String("module", "socket"),
					)
				}
				return
			}

			switch req.Type {
			case "listen":
				select {
				case input <- req.Affiliates:
				case <-ctx.Done():
					return
				}
				slog.DebugContext(
					ctx, fmt.Sprintf("Socket subscribe: %v", req.Affiliates),
					slog.String("module", "socket"),
				)
			case "h": // heartbeat
			default:
				slog.InfoContext(
					ctx, "Unknown request type",
					slog.String("type", req.Type),
					slog.String("module", "socket"),
				)
			}
		}
	}()

	for {
		select {
		case <-quit:
			return nil
		case event := <-output:
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := ws.WriteJSON(event)
			if err != nil {
				slog.ErrorContext(
					ctx, "Error writing message",
					slog.String("error", err.Error()),
					slog.String("module", "socket"),
				)
				return nil
			}
		}
	}
}
