// Package errors renders failures as RFC 7807 problem details
package errors

import (
	"encoding/json"
	"net/http"

	"github.com/Aidin1998/sigswap/internal/swap/model"
)

// ContentType is the media type of a problem document.
const ContentType = "application/problem+json"

// Problem type URIs
const (
	TypeValidationError    = "https://sigswap.dev/problems/validation-error"
	TypeRejectedOrder      = "https://sigswap.dev/problems/rejected-order"
	TypeStaleOrder         = "https://sigswap.dev/problems/stale-order"
	TypeOrderNotFound      = "https://sigswap.dev/problems/order-not-found"
	TypeCancelForbidden    = "https://sigswap.dev/problems/cancel-forbidden"
	TypeInternalError      = "https://sigswap.dev/problems/internal-error"
	TypeServiceUnavailable = "https://sigswap.dev/problems/service-unavailable"
)

// Problem titles
const (
	TitleValidationError    = "Validation Error"
	TitleRejectedOrder      = "Order Rejected"
	TitleStaleOrder         = "Order No Longer Valid"
	TitleOrderNotFound      = "Order Not Found"
	TitleCancelForbidden    = "Cancellation Not Authorized"
	TitleInternalError      = "Internal Server Error"
	TitleServiceUnavailable = "Service Unavailable"
)

// ValidationError represents a validation error for RFC 7807
type ValidationError struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
	Errors   []ValidationError      `json:"errors,omitempty"`
	Extra    map[string]interface{} `json:"-"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithTraceID adds a trace ID to the problem details
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// WithValidationErrors adds validation errors to the problem details
func (p *ProblemDetails) WithValidationErrors(errors []ValidationError) *ProblemDetails {
	p.Errors = errors
	return p
}

// WithExtra adds extra fields to the problem details (they will be serialized at the top level)
func (p *ProblemDetails) WithExtra(key string, value interface{}) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]interface{})
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON implements custom JSON marshaling to include extra fields at the top level
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{})
	for k, v := range p.Extra {
		result[k] = v
	}
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	if p.TraceID != "" {
		result["trace_id"] = p.TraceID
	}
	if len(p.Errors) > 0 {
		result["errors"] = p.Errors
	}
	return json.Marshal(result)
}

// NewProblemDetails creates a generic problem details with all fields
func NewProblemDetails(problemType, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     problemType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	}
}

// NewValidationError creates a validation error problem
func NewValidationError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeValidationError, TitleValidationError, http.StatusBadRequest, detail, instance)
}

// NewOrderNotFoundError creates an order not found error
func NewOrderNotFoundError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeOrderNotFound, TitleOrderNotFound, http.StatusNotFound, detail, instance)
}

// NewCancelForbiddenError creates a 403 for a cancel not signed by the owner
func NewCancelForbiddenError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeCancelForbidden, TitleCancelForbidden, http.StatusForbidden, detail, instance)
}

// NewInternalError creates an internal server error problem
func NewInternalError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeInternalError, TitleInternalError, http.StatusInternalServerError, detail, instance)
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeServiceUnavailable, TitleServiceUnavailable, http.StatusServiceUnavailable, detail, instance)
}

// FromRejection maps an order rejection to a problem. Structural
// rejections are client errors (400), stale ones are well-formed orders
// the ledger no longer backs (422), transient ones are outages (503).
// The reason and class travel as extension members.
func FromRejection(rej *model.Rejection, instance string) *ProblemDetails {
	var p *ProblemDetails
	switch rej.Class {
	case model.ClassStructural:
		p = NewProblemDetails(TypeRejectedOrder, TitleRejectedOrder, http.StatusBadRequest, rej.Detail, instance)
	case model.ClassTransient:
		p = NewServiceUnavailableError(rej.Detail, instance)
	default:
		p = NewProblemDetails(TypeStaleOrder, TitleStaleOrder, http.StatusUnprocessableEntity, rej.Detail, instance)
	}
	return p.WithExtra("reason", rej.Reason.String()).WithExtra("class", rej.Class.String())
}
