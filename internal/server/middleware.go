package server

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// requireSecret authenticates requests against the shared API secret. The
// secret is accepted either in the X-Auth-Token header or, for SSE clients
// that cannot set headers, in the token query parameter.
func (s *Server) requireSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader("X-Auth-Token")
		if presented == "" {
			presented = c.Query("token")
		}

		secret := s.cfg.SharedSecret
		if secret == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "unauthorized",
			})
			return
		}
		c.Next()
	}
}
