package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Aidin1998/sigswap/api/responses"
	"github.com/Aidin1998/sigswap/pkg/errors"
	"github.com/gin-gonic/gin"
)

// MaxBodySize bounds request bodies; an order is well under 2KB.
const MaxBodySize = 64 * 1024

// bodyValidation rejects oversized bodies and non-JSON content on
// requests that carry a body, reporting field errors as a problem.
func bodyValidation() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodDelete:
		default:
			c.Next()
			return
		}

		if ct := c.GetHeader("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			responses.BadRequest(c, "Invalid request body", errors.ValidationError{
				Field:   "Content-Type",
				Value:   ct,
				Message: "Unsupported content type",
				Code:    "INVALID_CONTENT_TYPE",
			})
			return
		}

		bodyBytes, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxBodySize+1))
		if err != nil {
			responses.BadRequest(c, "Invalid request body", errors.ValidationError{
				Field:   "body",
				Message: "Failed to read request body",
				Code:    "BODY_READ_ERROR",
			})
			return
		}
		if len(bodyBytes) > MaxBodySize {
			responses.BadRequest(c, "Invalid request body", errors.ValidationError{
				Field:   "body",
				Message: fmt.Sprintf("Request body too large (max %d bytes)", MaxBodySize),
				Code:    "BODY_TOO_LARGE",
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		c.Next()
	}
}
