package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
)

const headerEventID = "X-Event-Id"

func (s *Server) HandleBillingWebhook(c *gin.Context) {
	var evt domain.BillingEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if evt.ID == "" {
		evt.ID = strings.TrimSpace(c.GetHeader(headerEventID))
	}

	err := s.entitlementSvc.ApplyBillingEvent(c.Request.Context(), evt)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrEventAlreadyProcessed), errors.Is(err, domain.ErrStaleEvent):
		// Acknowledge so the provider stops redelivering.
	default:
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
