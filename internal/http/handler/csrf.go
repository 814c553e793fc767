package handler

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/edirooss/logstream-server/internal/http/middleware"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// IssueSessionCSRF handles GET /api/csrf. It creates the session's CSRF token
// on first use and returns it uncached.
func IssueSessionCSRF(c *gin.Context) {
	sess := sessions.Default(c)
	token, _ := sess.Get(middleware.CSRFSessionKey).(string)
	if token == "" {
		var err error
		if token, err = randomTokenHex(32); err != nil {
			abortWithError(c, http.StatusInternalServerError, err)
			return
		}
		sess.Set(middleware.CSRFSessionKey, token)
		if err := sess.Save(); err != nil {
			abortWithError(c, http.StatusInternalServerError, fmt.Errorf("save session: %w", err))
			return
		}
	}

	// Avoid cache serving stale tokens
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
	c.JSON(http.StatusOK, gin.H{"csrf": token})
}

func randomTokenHex(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("csrf token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
