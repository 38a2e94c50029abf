// Package api exposes the engine over HTTP: lifecycle operations,
// read-only accessors and the websocket event feed.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"otc_book/internal/domain"
	"otc_book/internal/engine"
	"otc_book/internal/infra"
	"otc_book/internal/infra/storage"
	"otc_book/internal/token"
)

// Handler holds the HTTP handler dependencies.
type Handler struct {
	engine      *engine.Engine
	tokens      *token.Registry
	journal     *storage.Storage
	feed        *Feed
	maxPageSize int
}

// NewHandler creates a new Handler. journal and feed may be nil in
// tests; their routes then return 404/503.
func NewHandler(eng *engine.Engine, tokens *token.Registry, journal *storage.Storage, feed *Feed, maxPageSize int) *Handler {
	if maxPageSize <= 0 {
		maxPageSize = 200
	}
	return &Handler{
		engine:      eng,
		tokens:      tokens,
		journal:     journal,
		feed:        feed,
		maxPageSize: maxPageSize,
	}
}

// RegisterRoutes sets up the Gin routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.Use(infra.PrometheusMiddleware())
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.POST("/orders", h.CreateOrder)
		v1.POST("/orders/:id/fill", h.FillOrder)
		v1.POST("/orders/:id/cancel", h.CancelOrder)
		v1.POST("/cleanup", h.Cleanup)
		v1.GET("/orders/:id", h.GetOrder)
		v1.GET("/orders", h.RangeOrders)
		v1.GET("/stats", h.Stats)
		v1.GET("/events", h.Events)

		// Ledger admin surface for single-process deployments where
		// the in-memory ledgers stand in for real token contracts.
		v1.POST("/assets/:symbol/mint", h.Mint)
		v1.POST("/assets/:symbol/approve", h.Approve)
		v1.GET("/assets/:symbol/balance/:holder", h.Balance)
	}

	if h.feed != nil {
		r.GET("/ws/events", h.feed.Serve)
	}
}

// Health returns a health check response.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createOrderRequest struct {
	Maker        string          `json:"maker" binding:"required"`
	Counterparty string          `json:"counterparty"`
	SellAsset    string          `json:"sell_asset" binding:"required"`
	SellQuantity decimal.Decimal `json:"sell_quantity"`
	BuyAsset     string          `json:"buy_asset" binding:"required"`
	BuyQuantity  decimal.Decimal `json:"buy_quantity"`
	FeeOffered   decimal.Decimal `json:"fee_offered"`
}

func (h *Handler) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := h.engine.Create(engine.CreateRequest{
		Maker:        req.Maker,
		Counterparty: req.Counterparty,
		SellAsset:    req.SellAsset,
		SellQuantity: req.SellQuantity,
		BuyAsset:     req.BuyAsset,
		BuyQuantity:  req.BuyQuantity,
		FeeOffered:   req.FeeOffered,
	})
	if err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

type actorRequest struct {
	Actor string `json:"actor" binding:"required"`
}

func (h *Handler) FillOrder(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.engine.Fill(id, req.Actor); err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": domain.StatusFilled})
}

func (h *Handler) CancelOrder(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.engine.Cancel(id, req.Actor); err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": domain.StatusCanceled})
}

func (h *Handler) Cleanup(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := h.engine.Cleanup(req.Actor)
	if err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) GetOrder(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	o, err := h.engine.Order(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) RangeOrders(c *gin.Context) {
	from, _ := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 64)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	if limit > h.maxPageSize {
		limit = h.maxPageSize
	}
	orders, err := h.engine.Range(from, limit)
	if err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) Stats(c *gin.Context) {
	firstOpen, next, err := h.engine.Cursors()
	if err != nil {
		abortWithEngineError(c, err)
		return
	}
	fee, err := h.engine.CurrentFee()
	if err != nil {
		abortWithEngineError(c, err)
		return
	}
	pool, err := h.engine.PooledFees()
	if err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"current_fee":   fee,
		"pooled_fees":   pool,
		"first_open_id": firstOpen,
		"next_id":       next,
	})
}

func (h *Handler) Events(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal unavailable"})
		return
	}
	after, _ := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	if limit > h.maxPageSize {
		limit = h.maxPageSize
	}
	events, err := h.journal.Events(after, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type mintRequest struct {
	To     string          `json:"to" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) Mint(c *gin.Context) {
	t, err := h.tokens.Get(c.Param("symbol"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	minter, ok := t.(interface {
		Mint(to string, amount decimal.Decimal)
	})
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "asset does not support minting"})
		return
	}
	var req mintRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to and positive amount required"})
		return
	}
	minter.Mint(req.To, req.Amount)
	c.JSON(http.StatusOK, gin.H{"balance": t.BalanceOf(req.To)})
}

type approveRequest struct {
	Owner   string          `json:"owner" binding:"required"`
	Spender string          `json:"spender" binding:"required"`
	Amount  decimal.Decimal `json:"amount"`
}

func (h *Handler) Approve(c *gin.Context) {
	t, err := h.tokens.Get(c.Param("symbol"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := t.Approve(req.Owner, req.Spender, req.Amount); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowance": t.Allowance(req.Owner, req.Spender)})
}

func (h *Handler) Balance(c *gin.Context) {
	t, err := h.tokens.Get(c.Param("symbol"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": t.BalanceOf(c.Param("holder"))})
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return 0, false
	}
	return id, true
}

// abortWithEngineError maps the engine's error taxonomy onto HTTP.
func abortWithEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrOrderNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrReentrantCall):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case domain.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		// Transfer failures and payout aborts: caller may retry.
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}
