package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/livetemplate/kbase"
	"github.com/livetemplate/kbase/internal/diagram"
	"github.com/livetemplate/kbase/internal/render"
	"go.uber.org/zap"
)

// maxRequestBodySize limits the size of incoming request bodies (1MB)
const maxRequestBodySize = 1 << 20

// defaultPageLimit is the default pagination limit when none is specified
const defaultPageLimit = 100

var validate = validator.New()

// listQuery holds the page list filters.
type listQuery struct {
	All      bool
	Category string `validate:"omitempty,oneof=tutorial guide reference snippet"`
	Tag      string `validate:"omitempty,max=64"`
	Limit    int    `validate:"min=0,max=500"`
	Offset   int    `validate:"min=0"`
}

type previewRequest struct {
	Blocks []kbase.BlockRecord `json:"blocks" validate:"required,max=200"`
	Mode   string              `json:"mode" validate:"omitempty,oneof=interactive static"`
}

type validateRequest struct {
	Source string `json:"source" validate:"max=65536"`
}

// fragmentJSON is the wire shape of a rendered block.
type fragmentJSON struct {
	BlockID string          `json:"blockId"`
	Kind    kbase.BlockKind `json:"kind"`
	Title   string          `json:"title,omitempty"`
	HTML    template.HTML   `json:"html"`
	Error   string          `json:"error,omitempty"`
}

func toFragmentJSON(frags []render.Fragment) []fragmentJSON {
	out := make([]fragmentJSON, len(frags))
	for i, f := range frags {
		out[i] = fragmentJSON{BlockID: f.BlockID, Kind: f.Kind, Title: f.Title, HTML: f.HTML, Error: f.Err}
	}
	return out
}

// handleListPages serves GET /api/pages. The total before pagination is
// reported in X-Total-Count.
func (s *Server) handleListPages(w http.ResponseWriter, r *http.Request) {
	q := listQuery{
		All:      r.URL.Query().Get("all") == "true",
		Category: r.URL.Query().Get("category"),
		Tag:      r.URL.Query().Get("tag"),
		Limit:    parseIntParam(r, "limit", defaultPageLimit),
		Offset:   parseIntParam(r, "offset", 0),
	}
	if err := validateStruct(q); err != nil {
		s.writeStoreError(w, err)
		return
	}

	pages, err := s.store.List(r.Context(), q.All)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	pages = applyFilter(pages, q.Category, q.Tag)

	w.Header().Set("X-Total-Count", strconv.Itoa(len(pages)))
	writeJSON(w, http.StatusOK, paginate(pages, q.Offset, q.Limit))
}

func (s *Server) handleGetPage(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Get(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleCreatePage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var doc kbase.PageDocument
	if err := decodeBody(r, &doc); err != nil {
		s.writeStoreError(w, err)
		return
	}

	created, err := s.store.Create(r.Context(), doc)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("page created", zap.String("slug", created.Slug))
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdatePage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var patch kbase.PagePatch
	if err := decodeBody(r, &patch); err != nil {
		s.writeStoreError(w, err)
		return
	}

	updated, err := s.store.Update(r.Context(), chi.URLParam(r, "slug"), patch)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("page updated", zap.String("slug", updated.Slug))
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePage(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if err := s.store.Delete(r.Context(), slug); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("page deleted", zap.String("slug", slug))
	w.WriteHeader(http.StatusNoContent)
}

// handlePreview renders a block list without saving it.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req previewRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		s.writeStoreError(w, err)
		return
	}
	blocks, err := kbase.DecodeBlocks(req.Blocks)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	mode := render.Interactive
	if req.Mode == render.Static.String() {
		mode = render.Static
	}
	frags := s.renderer.Page(r.Context(), blocks, mode)
	for i := range frags {
		frags[i].Close()
	}
	writeJSON(w, http.StatusOK, toFragmentJSON(frags))
}

// handleValidateDiagram checks diagram source syntax without rendering it.
func (s *Server) handleValidateDiagram(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req validateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		s.writeStoreError(w, err)
		return
	}

	resp := map[string]any{"valid": true}
	if err := diagram.Validate(req.Source); err != nil {
		resp["valid"] = false
		resp["error"] = kbase.NewErrorResponse(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": kbase.Version,
	})
}

// writeStoreError maps a domain error to its HTTP status.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var verr *kbase.ValidationError
	switch {
	case kbase.IsNotFound(err):
		status = http.StatusNotFound
	case kbase.IsConflict(err):
		status = http.StatusConflict
	case errors.As(err, &verr) && isBadRequest(verr.Code):
		status = http.StatusBadRequest
	case kbase.IsValidation(err):
		status = http.StatusUnprocessableEntity
	case kbase.IsTransport(err):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, kbase.NewErrorResponse(err))
}

// isBadRequest reports whether code means the request itself is malformed
// or lacks a required field. Other validation failures are 422.
func isBadRequest(code kbase.ValidationCode) bool {
	switch code {
	case kbase.CodeInvalidJSON, kbase.CodeMissingTitle, kbase.CodeMissingSlug, kbase.CodeNoBlocks:
		return true
	}
	return false
}

// decodeBody decodes a JSON request body. Malformed JSON becomes a
// validation error with CodeInvalidJSON; decoder errors raised by the
// target's own UnmarshalJSON are returned as they are.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if kbase.IsValidation(err) {
			return err
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return kbase.NewValidationError("", kbase.CodeInvalidJSON,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		}
		return kbase.NewValidationError("", kbase.CodeInvalidJSON, "invalid JSON body: "+err.Error())
	}
	return nil
}

// validateStruct checks v's validate tags and reports the first failing field.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]
	return kbase.NewValidationError(strings.ToLower(fe.Field()), kbase.CodeInvalidField, formatFieldError(fe))
}

func formatFieldError(e validator.FieldError) string {
	field := strings.ToLower(e.Field())
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Named("server").Warn("encode JSON response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, kbase.ErrorResponse{Error: message})
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

// applyFilter keeps pages in category and carrying tag. Empty filters match everything.
func applyFilter(pages []kbase.PageDocument, category, tag string) []kbase.PageDocument {
	if category == "" && tag == "" {
		return pages
	}
	result := make([]kbase.PageDocument, 0, len(pages))
	for _, p := range pages {
		if category != "" && string(p.Category) != category {
			continue
		}
		if tag != "" && !hasTag(p.Tags, tag) {
			continue
		}
		result = append(result, p)
	}
	return result
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// paginate applies offset and limit to pages.
func paginate(pages []kbase.PageDocument, offset, limit int) []kbase.PageDocument {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(pages) {
		return []kbase.PageDocument{}
	}

	pages = pages[offset:]

	if limit > 0 && limit < len(pages) {
		pages = pages[:limit]
	}

	return pages
}
