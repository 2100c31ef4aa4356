package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"go.uber.org/zap"
)

func (s *Server) GetCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.cache.Stats()})
}

func (s *Server) CleanupCache(c *gin.Context) {
	removed := s.cache.Cleanup()
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"removed": removed}})
}

func (s *Server) InvalidateCache(c *gin.Context) {
	s.cache.InvalidateAll()
	s.log.Info("entitlement cache invalidated")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) InvalidateCachedUser(c *gin.Context) {
	userID := domain.NormalizeUserID(c.Param("user_id"))
	if userID == "" {
		AbortWithError(c, domain.ErrInvalidUser)
		return
	}
	s.cache.InvalidateUser(userID)
	s.log.Debug("cached entitlement invalidated", zap.String("user_id", userID))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
