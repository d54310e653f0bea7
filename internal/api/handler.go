package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/cart"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// Pinger is a dependency checked by the readiness endpoint
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services groups what the handlers call into
type Services struct {
	Orders   *service.OrderService
	Checkout *service.CheckoutService
	Webhooks *service.WebhookService
	Catalog  *service.CatalogService
	Operator *service.OperatorService
}

// Handler contains HTTP handlers
type Handler struct {
	svc       Services
	jwtSecret []byte
	checks    map[string]Pinger
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(svc Services, jwtSecret []byte, checks map[string]Pinger) *Handler {
	return &Handler{
		svc:       svc,
		jwtSecret: jwtSecret,
		checks:    checks,
		logger:    util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(util.ServiceName))
	router.Use(prometheusMiddleware())
	router.Use(loggerMiddleware(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/:gateway", h.receiveWebhook)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/products", h.listProducts)
		v1.GET("/products/:id", h.getProduct)
		v1.GET("/products/:id/stock", h.getStock)
	}

	authed := v1.Group("", authMiddleware(h.jwtSecret))
	{
		authed.POST("/cart/seal", h.sealCart)
		authed.POST("/orders", h.createOrder)
		authed.GET("/orders", h.listOrders)
		authed.GET("/orders/:id", h.getOrder)
		authed.GET("/orders/:id/status", h.getOrderStatus)
		authed.POST("/orders/:id/checkout", h.startCheckout)
		authed.POST("/payments/confirm", h.confirmPayment)
	}

	admin := authed.Group("/admin", requireRole(RoleOperator))
	{
		admin.POST("/payments/:id/refund", h.refundPayment)
		admin.PATCH("/orders/:id/status", h.updateOrderStatus)
		admin.POST("/webhooks/:id/replay", h.replayWebhook)
		admin.GET("/products", h.listAllProducts)
		admin.POST("/products", h.createProduct)
		admin.PATCH("/products/:id", h.updateProduct)
		admin.POST("/products/:id/stock", h.adjustStock)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failures := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"details": failures,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// respondError maps service errors to HTTP statuses. Gateway bodies and
// internal errors are logged, never returned.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "Internal server error"

	switch {
	case errors.Is(err, apperr.ErrOutOfStock):
		status, msg = http.StatusConflict, "Out of stock"
	case errors.Is(err, apperr.ErrValidation):
		status, msg = http.StatusBadRequest, "Validation failed"
	case errors.Is(err, apperr.ErrInvalidTransition):
		status, msg = http.StatusConflict, "Invalid state transition"
	case errors.Is(err, apperr.ErrConflict):
		status, msg = http.StatusConflict, "Concurrent update, retry"
	case errors.Is(err, apperr.ErrUnknownPayment):
		status, msg = http.StatusNotFound, "Unknown payment"
	case errors.Is(err, apperr.ErrNotFound):
		status, msg = http.StatusNotFound, "Not found"
	case errors.Is(err, apperr.ErrUnauthorized):
		status, msg = http.StatusForbidden, "Forbidden"
	case errors.Is(err, apperr.ErrGatewayRejected):
		status, msg = http.StatusBadGateway, "Payment gateway rejected the request"
	case errors.Is(err, apperr.ErrGatewayUnavailable):
		status, msg = http.StatusServiceUnavailable, "Payment gateway unavailable"
	}

	if status >= http.StatusInternalServerError || status == http.StatusBadGateway {
		util.RecordError(c.Request.Context(), err)
		util.LoggerFromContext(c.Request.Context()).Error(msg,
			zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.JSON(status, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}

func badRequest(c *gin.Context, msg string, err error) {
	body := gin.H{"error": msg}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "Invalid ID", nil)
		return 0, false
	}
	return id, true
}

// receiveWebhook acknowledges every delivery it managed to keep. Only a
// delivery that could be neither logged nor spooled gets a 503.
func (h *Handler) receiveWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, "Unreadable body", err)
		return
	}

	result, err := h.svc.Webhooks.Ingest(c.Request.Context(), c.Param("gateway"), c.Request.Header.Clone(), body)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Webhook not accepted, retry later"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) listProducts(c *gin.Context) {
	products, err := h.svc.Catalog.ListProducts(c.Request.Context(), false)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (h *Handler) listAllProducts(c *gin.Context) {
	products, err := h.svc.Catalog.ListProducts(c.Request.Context(), true)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (h *Handler) getProduct(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	product, err := h.svc.Catalog.GetProduct(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) getStock(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	level, err := h.svc.Catalog.GetStock(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, level)
}

type sealCartRequest struct {
	Items []cart.Item `json:"items" binding:"required,dive"`
}

func (h *Handler) sealCart(c *gin.Context) {
	var req sealCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	token, err := h.svc.Orders.SealCart(req.Items)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cart_token": token})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	req.UserID = userID(c)

	resp, err := h.svc.Orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.svc.Orders.ListOrders(c.Request.Context(), userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	details, err := h.svc.Orders.GetOrder(c.Request.Context(), userID(c), id, isOperator(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *Handler) getOrderStatus(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	status, err := h.svc.Orders.GetOrderStatus(c.Request.Context(), userID(c), id, isOperator(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": id, "status": status})
}

func (h *Handler) startCheckout(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req service.StartCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	req.UserID = userID(c)
	req.OrderID = id

	resp, err := h.svc.Checkout.StartCheckout(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) confirmPayment(c *gin.Context) {
	var req service.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	resp, err := h.svc.Webhooks.ConfirmSync(c.Request.Context(), userID(c), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) refundPayment(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req service.RefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}

	outcome, err := h.svc.Operator.RefundPayment(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req service.UpdateOrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	order, err := h.svc.Operator.UpdateOrderStatus(c.Request.Context(), id, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) replayWebhook(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	result, err := h.svc.Webhooks.Replay(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) createProduct(c *gin.Context) {
	var req service.ProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	product, err := h.svc.Catalog.CreateProduct(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func (h *Handler) updateProduct(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req service.ProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	product, err := h.svc.Catalog.UpdateProduct(c.Request.Context(), id, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) adjustStock(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req service.AdjustStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	event, err := h.svc.Catalog.AdjustStock(c.Request.Context(), id, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}
