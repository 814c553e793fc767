package handler

import (
	"errors"
	"net/http"

	"github.com/edirooss/logstream-server/internal/infrastructure/logbroker"
	"github.com/edirooss/logstream-server/pkg/jsonx"
	"github.com/gin-gonic/gin"
)

func bind[T any](req *http.Request, obj *T) error {
	return jsonx.ParseStrictJSONBody(req, obj)
}

// brokerStatus maps broker errors onto HTTP status codes.
func brokerStatus(err error) int {
	switch {
	case errors.Is(err, logbroker.ErrUnknownConnection), errors.Is(err, logbroker.ErrUnknownProcess):
		return http.StatusNotFound
	case errors.Is(err, logbroker.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, logbroker.ErrInvalidFilterPattern):
		return http.StatusUnprocessableEntity
	case errors.Is(err, logbroker.ErrProcessWatched):
		return http.StatusConflict
	case errors.Is(err, logbroker.ErrBrokerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError records err for the access log and replies with its message.
func abortWithError(c *gin.Context, status int, err error) {
	c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"message": err.Error()})
}
