package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
)

const bearerPrefix = "Bearer "

// AdminRequired checks the bearer token against the configured admin token.
// Without a token the admin surface is open in development and closed in
// production.
func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		want := s.cfg.AdminToken
		if want == "" {
			if s.cfg.IsProduction() {
				AbortWithError(c, ErrForbidden)
				return
			}
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		got := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}
