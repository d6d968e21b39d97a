package response

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ContextKeyRequestID is the Gin context key the envelope metadata reads.
const ContextKeyRequestID = "request_id"

const headerRequestID = "X-Request-ID"

// RequestIDMiddleware tags every request with a correlation id: the caller's
// X-Request-ID when supplied, a fresh uuid otherwise. The id is echoed in the
// response header and in the envelope metadata.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}
