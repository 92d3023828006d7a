package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/carebid/internal/apperr"
	"github.com/mbd888/carebid/internal/gateway"
	"github.com/mbd888/carebid/internal/logging"
)

// -----------------------------------------------------------------------------
// Sandbox
// -----------------------------------------------------------------------------
//
// With the in-memory gateway there is no card form and no processor to send
// webhooks. These routes play both parts: they change the hold at the fake
// gateway and deliver the matching signed event through the real ingestor.
// Never mounted in production.

func (s *Server) registerSandboxRoutes(r *gin.RouterGroup) {
	r.POST("/holds/:ref/authorize", s.sandboxAuthorize)
	r.POST("/holds/:ref/decline", s.sandboxDecline)
	r.POST("/holds/:ref/expire", s.sandboxExpire)
	r.PUT("/accounts/:id", s.sandboxSetAccount)
	r.POST("/reconcile", s.sandboxReconcile)
}

func (s *Server) sandboxAuthorize(c *gin.Context) {
	ref := c.Param("ref")
	if err := s.sandbox.Authorize(ref); err != nil {
		sandboxError(c, err)
		return
	}
	payload, sig := s.sandbox.SignedEvent(gateway.EventHoldAuthorized, ref)
	s.deliver(c, payload, sig)
}

// DeclineInput is the body of POST /sandbox/holds/:ref/decline.
type DeclineInput struct {
	Reason string `json:"reason"`
}

func (s *Server) sandboxDecline(c *gin.Context) {
	var in DeclineInput
	_ = c.ShouldBindJSON(&in) // body is optional
	if in.Reason == "" {
		in.Reason = "card_declined"
	}

	ref := c.Param("ref")
	if err := s.sandbox.Decline(ref, in.Reason); err != nil {
		sandboxError(c, err)
		return
	}
	payload, sig := s.sandbox.SignedFailureEvent(ref, in.Reason)
	s.deliver(c, payload, sig)
}

func (s *Server) sandboxExpire(c *gin.Context) {
	ref := c.Param("ref")
	if err := s.sandbox.Expire(ref); err != nil {
		sandboxError(c, err)
		return
	}
	payload, sig := s.sandbox.SignedEvent(gateway.EventHoldCanceled, ref)
	s.deliver(c, payload, sig)
}

// AccountInput is the body of PUT /sandbox/accounts/:id.
type AccountInput struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) sandboxSetAccount(c *gin.Context) {
	var in AccountInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "enabled is required"})
		return
	}
	id := c.Param("id")
	s.sandbox.SetAccount(id, in.Enabled)
	payload, sig := s.sandbox.SignedAccountEvent(id, in.Enabled)
	s.deliver(c, payload, sig)
}

func (s *Server) sandboxReconcile(c *gin.Context) {
	report, err := s.reconcileTimer.RunOnce(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("sandbox reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (s *Server) deliver(c *gin.Context, payload []byte, sig string) {
	outcome, err := s.ingestor.Ingest(c.Request.Context(), payload, sig)
	if err != nil {
		sandboxError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": true, "outcome": outcome})
}

func sandboxError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("sandbox request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{
		"error":   apperr.Code(err),
		"message": apperr.Message(err),
	})
}
