// Package responses writes JSON success bodies and RFC 7807 problem
// documents for the intake API.
package responses

import (
	"net/http"
	"time"

	"github.com/Aidin1998/sigswap/internal/swap/model"
	"github.com/Aidin1998/sigswap/pkg/errors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

// StandardResponse represents a standard API response format
type StandardResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

func write(c *gin.Context, status int, data interface{}, msg string) {
	c.JSON(status, StandardResponse{
		Success:   true,
		Data:      data,
		Message:   msg,
		Timestamp: time.Now().UTC(),
		TraceID:   getTraceID(c),
	})
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	write(c, http.StatusOK, data, "")
}

// Created sends a 201 Created response
func Created(c *gin.Context, data interface{}, message string) {
	write(c, http.StatusCreated, data, message)
}

// NoContent sends a 204 No Content response
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Error sends an RFC 7807 problem document
func Error(c *gin.Context, problem *errors.ProblemDetails) {
	if problem.TraceID == "" {
		if traceID := getTraceID(c); traceID != "" {
			problem.WithTraceID(traceID)
		}
	}
	if problem.Instance == "" {
		problem.Instance = c.Request.URL.Path
	}
	c.Header("Content-Type", errors.ContentType)
	c.AbortWithStatusJSON(problem.Status, problem)
}

// BadRequest sends a 400 validation problem
func BadRequest(c *gin.Context, detail string, validationErrors ...errors.ValidationError) {
	p := errors.NewValidationError(detail, c.Request.URL.Path)
	if len(validationErrors) > 0 {
		p.WithValidationErrors(validationErrors)
	}
	Error(c, p)
}

// NotFound sends a 404 order not found problem
func NotFound(c *gin.Context, detail string) {
	Error(c, errors.NewOrderNotFoundError(detail, c.Request.URL.Path))
}

// Forbidden sends a 403 problem for an unauthorized cancellation
func Forbidden(c *gin.Context, rej *model.Rejection) {
	p := errors.NewCancelForbiddenError(rej.Detail, c.Request.URL.Path)
	Error(c, p.WithExtra("reason", rej.Reason.String()))
}

// InternalServerError sends a 500 problem
func InternalServerError(c *gin.Context, detail string) {
	Error(c, errors.NewInternalError(detail, c.Request.URL.Path))
}

// ServiceUnavailable sends a 503 problem
func ServiceUnavailable(c *gin.Context, detail string) {
	Error(c, errors.NewServiceUnavailableError(detail, c.Request.URL.Path))
}

// Rejected sends the problem matching an order rejection
func Rejected(c *gin.Context, rej *model.Rejection) {
	Error(c, errors.FromRejection(rej, c.Request.URL.Path))
}

// getTraceID prefers the active span, then the X-Trace-ID header
func getTraceID(c *gin.Context) string {
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return c.GetHeader("X-Trace-ID")
}
