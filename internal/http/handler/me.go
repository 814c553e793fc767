package handler

import (
	"net/http"

	"github.com/edirooss/logstream-server/internal/service"
	"github.com/gin-gonic/gin"
)

// Me handles GET /api/me: the principal attached by the auth middleware.
func Me(authsvc *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := authsvc.WhoAmI(c)
		if p == nil {
			c.Status(http.StatusUnauthorized)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}
