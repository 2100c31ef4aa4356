package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/entitlement/policy"
	obscontext "github.com/smallbiznis/entitlements/internal/observability/context"
)

// GetEntitlement serves the fail-open view used by UI surfaces.
func (s *Server) GetEntitlement(c *gin.Context) {
	view, err := s.entitlementSvc.View(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set(obscontext.ViewSourceKey, viewSource(view))

	c.JSON(http.StatusOK, gin.H{"data": view})
}

// viewSource reports whether the view is backed by a stored entitlement.
func viewSource(view domain.View) string {
	if md := view.Entitlement.Metadata; md != nil && md.Source == policy.DefaultViewSource {
		return obscontext.ViewSourceDefault
	}
	return obscontext.ViewSourceEntitlement
}

// CheckAccess answers whether the user may use a feature gated at ?plan=.
// Lookup failures surface as a denial, never as an error status.
func (s *Server) CheckAccess(c *gin.Context) {
	var query struct {
		Plan string `form:"plan"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	plan := domain.Plan(strings.ToUpper(strings.TrimSpace(query.Plan)))
	if plan == "" {
		AbortWithError(c, newValidationError("plan", "required", "plan is required"))
		return
	}

	decision, err := s.entitlementSvc.CheckAccess(c.Request.Context(), c.Param("user_id"), plan)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": decision})
}

func (s *Server) ConsumeCredits(c *gin.Context) {
	var req domain.ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.UserID = c.Param("user_id")

	record, err := s.entitlementSvc.ConsumeCredits(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"entitlement":       record,
		"remaining_credits": policy.AvailableCredits(record),
	}})
}

func (s *Server) ReconcileSession(c *gin.Context) {
	var req domain.ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.UserID = c.Param("user_id")

	resp, err := s.entitlementSvc.ReconcileSession(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
