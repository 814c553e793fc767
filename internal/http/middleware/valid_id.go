package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequireValidConnectionID ensures the path param ":cid" is a UUID.
func RequireValidConnectionID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := uuid.Parse(c.Param("cid")); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid connection id"})
			return
		}
		c.Next()
	}
}
