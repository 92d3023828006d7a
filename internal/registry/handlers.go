package registry

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/carebid/internal/apperr"
	"github.com/mbd888/carebid/internal/auth"
	"github.com/mbd888/carebid/internal/logging"
	"github.com/mbd888/carebid/internal/validation"
)

const maxUserIDLength = 128

// Handler provides HTTP endpoints for professional records.
type Handler struct {
	service *Service
}

// NewHandler creates a new registry handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up registry routes. All of them require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.PUT("/professionals/me/payout-account", h.RegisterPayoutAccount)
	r.GET("/professionals/:id", h.GetProfessional)
}

// PayoutAccountInput is the body of PUT /v1/professionals/me/payout-account.
type PayoutAccountInput struct {
	AccountID string `json:"accountId" binding:"required"`
}

// RegisterPayoutAccount handles PUT /v1/professionals/me/payout-account
func (h *Handler) RegisterPayoutAccount(c *gin.Context) {
	pro, ok := auth.RequireProfessional(c)
	if !ok {
		return
	}
	var req PayoutAccountInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAccountID("accountId", req.AccountID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	p, err := h.service.RegisterPayoutAccount(c.Request.Context(), pro, req.AccountID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"professional": p})
}

// GetProfessional handles GET /v1/professionals/:id
func (h *Handler) GetProfessional(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	id := c.Param("id")
	if id == "me" {
		pro, ok := auth.RequireProfessional(c)
		if !ok {
			return
		}
		id = string(pro)
	}
	if id == "" || len(id) > maxUserIDLength || strings.ContainsAny(id, " \t\r\n") {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "Invalid professional id",
		})
		return
	}

	p, err := h.service.GetProfessional(c.Request.Context(), auth.ProfessionalID(id), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"professional": p})
}

func writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("registry request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{
		"error":   apperr.Code(err),
		"message": apperr.Message(err),
	})
}
