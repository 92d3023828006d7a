package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/carebid/internal/apperr"
	"github.com/mbd888/carebid/internal/auth"
	"github.com/mbd888/carebid/internal/logging"
	"github.com/mbd888/carebid/internal/pagination"
	"github.com/mbd888/carebid/internal/validation"
)

// Handler provides HTTP endpoints for payment holds.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up payment routes. All of them require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ids := r.Group("", validation.IDParamMiddleware())

	ids.POST("/offers/:id/payment-hold", h.CreateHold)
	ids.GET("/offers/:id/payment-hold", h.GetHold)
	ids.GET("/payments/:id", h.GetPayment)
	ids.POST("/payments/:id/sync", h.SyncPayment)
	r.GET("/transactions", h.ListTransactions)
}

// CreateHold handles POST /v1/offers/:id/payment-hold
func (h *Handler) CreateHold(c *gin.Context) {
	client, ok := auth.RequireClient(c)
	if !ok {
		return
	}

	ref, err := h.service.CreateHold(c.Request.Context(), c.Param("id"), client)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": ref})
}

// GetHold handles GET /v1/offers/:id/payment-hold
func (h *Handler) GetHold(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	ref, err := h.service.HoldForOffer(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": ref})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	ref, err := h.service.GetReference(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": ref})
}

// SyncPayment handles POST /v1/payments/:id/sync
//
// Called by the client app after card authorization completes, so the
// reference moves forward without waiting for the gateway event.
func (h *Handler) SyncPayment(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	ref, err := h.service.SyncForActor(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": ref})
}

// ListTransactions handles GET /v1/transactions?limit=&cursor=
func (h *Handler) ListTransactions(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	page, err := h.service.ListTransactions(c.Request.Context(), actor,
		pagination.Limit(c.Query("limit")), c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{
		"transactions": page.Items,
		"count":        len(page.Items),
		"hasMore":      page.HasMore,
	}
	if page.NextCursor != "" {
		resp["nextCursor"] = page.NextCursor
	}
	c.JSON(http.StatusOK, resp)
}

func writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("payment request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{
		"error":   apperr.Code(err),
		"message": apperr.Message(err),
	})
}
