package webhooks

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/carebid/internal/apperr"
)

// Handler receives gateway deliveries.
type Handler struct {
	ingestor *Ingestor
}

// NewHandler creates a new webhook handler.
func NewHandler(ingestor *Ingestor) *Handler {
	return &Handler{ingestor: ingestor}
}

// RegisterRoutes sets up the gateway webhook route. It is not behind
// bearer auth; the payload signature authenticates the caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/gateway", h.Ingest)
}

// Ingest handles POST /webhooks/gateway
func (h *Handler) Ingest(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read request body",
		})
		return
	}

	outcome, err := h.ingestor.Ingest(c.Request.Context(), payload, c.GetHeader(h.ingestor.SignatureHeader()))
	if err != nil {
		status := apperr.HTTPStatus(err)
		if status != http.StatusBadRequest {
			// Anything but a bad payload asks the gateway to redeliver.
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{
			"error":   apperr.Code(err),
			"message": apperr.Message(err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
}
