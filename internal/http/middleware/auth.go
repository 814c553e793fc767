package middleware

import (
	"net/http"

	"github.com/edirooss/logstream-server/internal/service"
	"github.com/gin-gonic/gin"
)

// Authentication blocks the request unless authsvc accepts its credentials
// (bearer token or session cookie). Responds with 401 Unauthorized otherwise.
// With authentication disabled every request passes as anonymous.
func Authentication(authsvc *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := authsvc.Authenticate(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "unauthorized"})
			return
		}
		c.Next()
	}
}
