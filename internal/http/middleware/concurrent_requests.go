package middleware

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// StreamLimiter caps the number of concurrently open streams. Requests over
// the limit are rejected with HTTP 429. A limit of 0 disables the cap.
//
// Example usage:
//
//	limiter := NewStreamLimiter(256)
//	router.GET("/api/stream", limiter.Middleware(), streamHandler)
type StreamLimiter struct {
	semaphore chan struct{}
	active    atomic.Int64
}

func NewStreamLimiter(maxConcurrent int) *StreamLimiter {
	l := &StreamLimiter{}
	if maxConcurrent > 0 {
		l.semaphore = make(chan struct{}, maxConcurrent)
	}
	return l
}

// Active reports the number of streams currently being served.
func (l *StreamLimiter) Active() int { return int(l.active.Load()) }

func (l *StreamLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.semaphore != nil {
			select {
			case l.semaphore <- struct{}{}:
				defer func() { <-l.semaphore }()
			default:
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"message": "too many concurrent streams",
				})
				return
			}
		}

		l.active.Add(1)
		defer l.active.Add(-1)
		c.Next()
	}
}
