package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for auth
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up public auth routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
}

// RegisterDevRoutes adds token minting. Only mounted in development.
func (h *Handler) RegisterDevRoutes(r *gin.RouterGroup) {
	r.POST("/auth/dev-token", h.IssueDevToken)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "bearer",
		"header":    "Authorization: Bearer <token>",
		"userTypes": []UserType{UserClient, UserProfessional},
	})
}

// DevTokenRequest is the request body for minting a development token
type DevTokenRequest struct {
	UserID   string   `json:"userId" binding:"required"`
	UserType UserType `json:"userType" binding:"required"`
}

// IssueDevToken mints a token for any user. Never mounted in production.
func (h *Handler) IssueDevToken(c *gin.Context) {
	var req DevTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId and userType are required"})
		return
	}
	token, err := h.manager.Issue(req.UserID, req.UserType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token})
}
