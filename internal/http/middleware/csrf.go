package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/edirooss/logstream-server/internal/domain/principal"
	"github.com/edirooss/logstream-server/internal/service"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// CSRFSessionKey is where the issued token lives in the user session.
const CSRFSessionKey = "csrf"

// ValidateSessionCSRF checks the X-CSRF-Token header of mutating requests made
// with a cookie session. Bearer-token and anonymous principals are skipped.
// Must run after Authentication. Aborts with 403 on a missing or wrong token.
func ValidateSessionCSRF(authsvc *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if p := authsvc.WhoAmI(c); p == nil || p.Kind != principal.User {
			c.Next()
			return
		}

		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			c.Next()
			return
		}

		want, _ := sessions.Default(c).Get(CSRFSessionKey).(string)
		got := c.GetHeader("X-CSRF-Token")

		if want == "" || got == "" ||
			subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden,
				gin.H{"message": "invalid csrf token"})
			return
		}

		c.Next()
	}
}
