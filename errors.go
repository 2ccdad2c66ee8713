package kbase

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationCode classifies a ValidationError.
type ValidationCode string

const (
	CodeMissingID      ValidationCode = "MissingId"
	CodeMissingKind    ValidationCode = "MissingKind"
	CodeUnknownKind    ValidationCode = "UnknownKind"
	CodeMissingContent ValidationCode = "MissingContentField"

	CodeEmptyDiagram        ValidationCode = "EmptyDiagram"
	CodeUnrecognizedDiagram ValidationCode = "UnrecognizedDiagramKind"

	CodeMissingTitle    ValidationCode = "MissingTitle"
	CodeMissingSlug     ValidationCode = "MissingSlug"
	CodeInvalidSlug     ValidationCode = "InvalidSlug"
	CodeNoBlocks        ValidationCode = "NoBlocks"
	CodeInvalidCategory ValidationCode = "InvalidCategory"
	CodeInvalidLanguage ValidationCode = "InvalidLanguage"
	CodeInvalidIndex    ValidationCode = "InvalidIndex"
	CodeInvalidJSON     ValidationCode = "InvalidJSON"
	CodeInvalidField    ValidationCode = "InvalidField"
)

// ValidationError reports invalid input that the author can fix locally.
type ValidationError struct {
	Field   string         // Offending field ("title", "content", ...)
	Index   int            // Block index, or -1 when the error is not about a block
	Code    ValidationCode // Machine readable classification
	Message string         // Human readable message
	Hint    string         // Helpful suggestion
}

// NewValidationError creates a ValidationError that is not tied to a block index.
func NewValidationError(field string, code ValidationCode, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Index:   -1,
		Code:    code,
		Message: message,
	}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("block %d: %s", e.Index, e.Message)
	}
	return e.Message
}

// Format returns the message with its hint, for CLI output.
func (e *ValidationError) Format() string {
	var b strings.Builder
	b.WriteString("❌ ")
	b.WriteString(e.Error())
	b.WriteString("\n")
	if e.Hint != "" {
		b.WriteString(fmt.Sprintf("💡 Tip: %s\n", e.Hint))
	}
	return b.String()
}

// WithHint adds a helpful hint to the error.
func (e *ValidationError) WithHint(hint string) *ValidationError {
	e.Hint = hint
	return e
}

// WithIndex ties the error to a block index.
func (e *ValidationError) WithIndex(i int) *ValidationError {
	e.Index = i
	return e
}

// ImportError rejects a whole block list and itemizes every invalid block.
type ImportError struct {
	Issues []*ValidationError
}

func (e *ImportError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.Error()
	}
	return "invalid blocks: " + strings.Join(parts, "; ")
}

// RenderError is a diagram rendering failure scoped to one render instance.
type RenderError struct {
	InstanceID string
	Message    string
	Cause      error
}

func (e *RenderError) Error() string {
	return e.Message
}

func (e *RenderError) Unwrap() error {
	return e.Cause
}

// ConflictError is returned when a slug is already taken.
type ConflictError struct {
	Slug string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("a page with slug %q already exists", e.Slug)
}

// TransportError reports an unreachable persistence service or a non-2xx answer.
type TransportError struct {
	Op     string
	Status int // 0 when the request never got a response
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ErrNotFound is returned when no page has the requested slug.
var ErrNotFound = errors.New("page not found")

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is or wraps a *ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsValidation reports whether err is or wraps a *ValidationError or *ImportError.
func IsValidation(err error) bool {
	var v *ValidationError
	if errors.As(err, &v) {
		return true
	}
	var imp *ImportError
	return errors.As(err, &imp)
}

// IsTransport reports whether err is or wraps a *TransportError.
func IsTransport(err error) bool {
	var t *TransportError
	return errors.As(err, &t)
}

// ErrorResponse is the JSON body of a failed API call.
type ErrorResponse struct {
	Error  string          `json:"error"`
	Code   ValidationCode  `json:"code,omitempty"`
	Field  string          `json:"field,omitempty"`
	Index  *int            `json:"index,omitempty"`
	Hint   string          `json:"hint,omitempty"`
	Slug   string          `json:"slug,omitempty"`
	Issues []ErrorResponse `json:"issues,omitempty"`
}

// NewErrorResponse describes err for an API client.
func NewErrorResponse(err error) ErrorResponse {
	var v *ValidationError
	if errors.As(err, &v) {
		return validationResponse(v)
	}
	var imp *ImportError
	if errors.As(err, &imp) {
		resp := ErrorResponse{Error: imp.Error()}
		for _, issue := range imp.Issues {
			resp.Issues = append(resp.Issues, validationResponse(issue))
		}
		return resp
	}
	var c *ConflictError
	if errors.As(err, &c) {
		return ErrorResponse{Error: c.Error(), Slug: c.Slug}
	}
	return ErrorResponse{Error: err.Error()}
}

func validationResponse(v *ValidationError) ErrorResponse {
	resp := ErrorResponse{
		Error: v.Message,
		Code:  v.Code,
		Field: v.Field,
		Hint:  v.Hint,
	}
	if v.Index >= 0 {
		idx := v.Index
		resp.Index = &idx
	}
	return resp
}

// ValidationErr rebuilds the validation failure carried by r.
// Responses with issues become an *ImportError.
func (r ErrorResponse) ValidationErr() error {
	if len(r.Issues) > 0 {
		imp := &ImportError{}
		for _, issue := range r.Issues {
			imp.Issues = append(imp.Issues, issue.validationError())
		}
		return imp
	}
	return r.validationError()
}

func (r ErrorResponse) validationError() *ValidationError {
	v := NewValidationError(r.Field, r.Code, r.Error).WithHint(r.Hint)
	if r.Index != nil {
		v.Index = *r.Index
	}
	return v
}
