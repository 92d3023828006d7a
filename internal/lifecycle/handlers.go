package lifecycle

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/carebid/internal/apperr"
	"github.com/mbd888/carebid/internal/auth"
	"github.com/mbd888/carebid/internal/logging"
	"github.com/mbd888/carebid/internal/validation"
)

// Handler provides HTTP endpoints for the service request lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a new lifecycle handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up lifecycle routes. All of them require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ids := r.Group("", validation.IDParamMiddleware())

	r.POST("/requests", h.CreateRequest)
	ids.GET("/requests/:id", h.GetRequest)
	ids.DELETE("/requests/:id", h.DeleteRequest)
	ids.POST("/requests/:id/publish", h.PublishRequest)
	ids.POST("/requests/:id/cancel", h.CancelRequest)
	ids.POST("/requests/:id/offers", h.SubmitOffer)
	ids.GET("/requests/:id/offers", h.ListOffers)
	ids.POST("/requests/:id/start", h.StartService)
	ids.POST("/requests/:id/complete", h.CompleteService)
	ids.POST("/requests/:id/confirm", h.ConfirmServiceCompletion)
	ids.GET("/requests/:id/progress", h.GetProgress)
	ids.POST("/requests/:id/review", h.SubmitReview)

	ids.POST("/offers/:id/accept", h.AcceptOffer)
	ids.POST("/offers/:id/reject", h.RejectOffer)
	ids.POST("/offers/:id/withdraw", h.WithdrawOffer)
}

// CreateRequest handles POST /v1/requests
func (h *Handler) CreateRequest(c *gin.Context) {
	client, ok := auth.RequireClient(c)
	if !ok {
		return
	}
	var req CreateRequestInput
	if !bindJSON(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.Required("category", req.Category),
		validation.Required("description", req.Description),
		validation.MaxLength("category", req.Category, maxCategoryLength),
		validation.MaxLength("description", req.Description, maxDescriptionLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	created, err := h.service.CreateRequest(c.Request.Context(), client, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": created})
}

// PublishRequest handles POST /v1/requests/:id/publish
func (h *Handler) PublishRequest(c *gin.Context) {
	client, ok := auth.RequireClient(c)
	if !ok {
		return
	}
	req, err := h.service.PublishRequest(c.Request.Context(), c.Param("id"), client)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

// GetRequest handles GET /v1/requests/:id
func (h *Handler) GetRequest(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	req, err := h.service.GetRequest(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

// CancelRequest handles POST /v1/requests/:id/cancel
func (h *Handler) CancelRequest(c *gin.Context) {
	client, ok := auth.RequireClient(c)
	if !ok {
		return
	}
	req, err := h.service.CancelRequest(c.Request.Context(), c.Param("id"), client)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

// DeleteRequest handles DELETE /v1/requests/:id
func (h *Handler) DeleteRequest(c *gin.Context) {
	client, ok := auth.RequireClient(c)
	if !ok {
		return
	}
	if err := h.service.DeleteRequest(c.Request.Context(), c.Param("id"), client); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SubmitOffer handles POST /v1/requests/:id/offers
func (h *Handler) SubmitOffer(c *gin.Context) {
	pro, ok := auth.RequireProfessional(c)
	if !ok {
		return
	}
	var req SubmitOfferInput
	if !bindJSON(c, &req) {
		return
	}
	offer, err := h.service.SubmitOffer(c.Request.Context(), c.Param("id"), pro, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": offer})
}

// ListOffers handles GET /v1/requests/:id/offers
func (h *Handler) ListOffers(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	offers, err := h.service.ListOffers(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

// AcceptOffer handles POST /v1/offers/:id/accept
func (h *Handler) AcceptOffer(c *gin.Context) {
	client, ok := auth.RequireClient(c)
	if !ok {
		return
	}
	acc, err := h.service.AcceptOffer(c.Request.Context(), c.Param("id"), client)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

// RejectOffer handles POST /v1/offers/:id/reject
func (h *Handler) RejectOffer(c *gin.Context) {
	client, ok := auth.RequireClient(c)
	if !ok {
		return
	}
	if err := h.service.RejectOffer(c.Request.Context(), c.Param("id"), client); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rejected": true})
}

// WithdrawOffer handles POST /v1/offers/:id/withdraw
func (h *Handler) WithdrawOffer(c *gin.Context) {
	pro, ok := auth.RequireProfessional(c)
	if !ok {
		return
	}
	offer, err := h.service.WithdrawOffer(c.Request.Context(), c.Param("id"), pro)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// StartService handles POST /v1/requests/:id/start
func (h *Handler) StartService(c *gin.Context) {
	pro, ok := auth.RequireProfessional(c)
	if !ok {
		return
	}
	req, err := h.service.StartService(c.Request.Context(), c.Param("id"), pro)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

// CompleteService handles POST /v1/requests/:id/complete
func (h *Handler) CompleteService(c *gin.Context) {
	pro, ok := auth.RequireProfessional(c)
	if !ok {
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	updated, err := h.service.CompleteService(c.Request.Context(), c.Param("id"), pro, req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": updated})
}

// ConfirmServiceCompletion handles POST /v1/requests/:id/confirm
func (h *Handler) ConfirmServiceCompletion(c *gin.Context) {
	client, ok := auth.RequireClient(c)
	if !ok {
		return
	}
	conf, err := h.service.ConfirmServiceCompletion(c.Request.Context(), c.Param("id"), client)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conf)
}

// GetProgress handles GET /v1/requests/:id/progress
func (h *Handler) GetProgress(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	p, err := h.service.GetProgress(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"progress": p})
}

// SubmitReview handles POST /v1/requests/:id/review
func (h *Handler) SubmitReview(c *gin.Context) {
	client, ok := auth.RequireClient(c)
	if !ok {
		return
	}
	var req struct {
		Rating  int    `json:"rating"`
		Comment string `json:"comment"`
	}
	if !bindJSON(c, &req) {
		return
	}
	review, err := h.service.SubmitReview(c.Request.Context(), c.Param("id"), client, req.Rating, req.Comment)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"review": review})
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

// writeError maps a classified error to its HTTP status. Unclassified
// errors are logged and returned as a generic 500.
func writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("lifecycle request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{
		"error":   apperr.Code(err),
		"message": apperr.Message(err),
	})
}
