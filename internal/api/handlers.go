package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/abelbrown/happyfeed/internal/audit"
	"github.com/abelbrown/happyfeed/internal/brain"
	"github.com/abelbrown/happyfeed/internal/logging"
	"github.com/abelbrown/happyfeed/internal/moderation"
	"github.com/abelbrown/happyfeed/internal/store"
)

const (
	// maxBodyBytes caps request bodies.
	maxBodyBytes = 1 << 20

	defaultEventLimit = 50
)

var validate = validator.New()

type markReadRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,max=500,dive,required"`
}

type groupRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

type keywordRequest struct {
	Keyword string `json:"keyword" validate:"required,max=100"`
}

type analyzeRequest struct {
	Limit int `json:"limit" validate:"gte=0,lte=1000"`
}

type clearRequest struct {
	Scope string `json:"scope" validate:"omitempty,oneof=all unread"`
}

// itemResponse is the wire form of a feed item.
type itemResponse struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	URL           string       `json:"url"`
	Score         int          `json:"score"`
	CommentCount  int          `json:"comment_count"`
	SourceGroup   string       `json:"source_group"`
	Source        string       `json:"source"`
	CreatedAt     time.Time    `json:"created_at"`
	IsTextOnly    bool         `json:"is_text_only"`
	BodyText      string       `json:"body_text,omitempty"`
	Media         *store.Media `json:"media,omitempty"`
	Permalink     string       `json:"permalink,omitempty"`
	Hidden        bool         `json:"hidden"`
	AIExplanation string       `json:"ai_explanation,omitempty"`
	AnalyzedAt    *time.Time   `json:"analyzed_at,omitempty"`
	Categories    []string     `json:"categories"`
	Tags          []string     `json:"tags"`
}

func toItemResponse(it store.Item) itemResponse {
	resp := itemResponse{
		ID:            it.ID,
		Title:         it.Title,
		URL:           it.URL,
		Score:         it.Score,
		CommentCount:  it.CommentCount,
		SourceGroup:   it.SourceGroup,
		Source:        it.Source,
		CreatedAt:     it.CreatedAt,
		IsTextOnly:    it.IsTextOnly,
		BodyText:      it.BodyText,
		Media:         it.Media,
		Permalink:     it.Permalink,
		Hidden:        it.Hidden,
		AIExplanation: it.AIExplanation,
		AnalyzedAt:    it.AnalyzedAt,
		Categories:    it.Categories,
		Tags:          it.Tags,
	}
	if resp.Categories == nil {
		resp.Categories = []string{}
	}
	if resp.Tags == nil {
		resp.Tags = []string{}
	}
	return resp
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listItems handles GET /api/items
func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}

	items, err := s.svc.Feed(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]itemResponse, len(items))
	for i, it := range items {
		out[i] = toItemResponse(it)
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": out, "count": len(out)})
}

// toggleItem handles POST /api/items/{id}/toggle
func (s *Server) toggleItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathParam(w, r, "id")
	if !ok {
		return
	}
	hidden, err := s.svc.ToggleVisibility(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "hidden": hidden})
}

// markRead handles POST /api/items/read
func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := s.svc.MarkRead(r.Context(), req.IDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.svc.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, counts)
}

func (s *Server) analysisStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.AnalysisStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) listPolicy(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.ListPolicy(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries.Groups == nil {
		entries.Groups = []string{}
	}
	if entries.Keywords == nil {
		entries.Keywords = []string{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// addGroup handles POST /api/policy/groups
func (s *Server) addGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !decode(w, r, &req) {
		return
	}
	hidden, err := s.svc.AddBlockedGroup(r.Context(), req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"group": store.NormalizePolicyEntry(req.Name), "hidden": hidden})
}

// removeGroup handles DELETE /api/policy/groups/{name}
func (s *Server) removeGroup(w http.ResponseWriter, r *http.Request) {
	name, ok := pathParam(w, r, "name")
	if !ok {
		return
	}
	unhidden, err := s.svc.RemoveBlockedGroup(r.Context(), name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"group": store.NormalizePolicyEntry(name), "unhidden": unhidden})
}

// addKeyword handles POST /api/policy/keywords
func (s *Server) addKeyword(w http.ResponseWriter, r *http.Request) {
	var req keywordRequest
	if !decode(w, r, &req) {
		return
	}
	hidden, err := s.svc.AddBlockedKeyword(r.Context(), req.Keyword)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"keyword": store.NormalizePolicyEntry(req.Keyword), "hidden": hidden})
}

// removeKeyword handles DELETE /api/policy/keywords/{keyword}
func (s *Server) removeKeyword(w http.ResponseWriter, r *http.Request) {
	kw, ok := pathParam(w, r, "keyword")
	if !ok {
		return
	}
	unhidden, err := s.svc.RemoveBlockedKeyword(r.Context(), kw)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"keyword": store.NormalizePolicyEntry(kw), "unhidden": unhidden})
}

// analyze handles POST /api/analyze. An empty body uses the default batch size.
func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	res, err := s.svc.AnalyzeBatch(r.Context(), req.Limit)
	if err != nil && res.Processed+res.Errors+res.Skipped == 0 {
		s.fail(w, r, err)
		return
	}
	if err != nil {
		logging.Warn("Classification batch ended early", "error", err)
	}
	respondJSON(w, http.StatusOK, res)
}

// moderateAll handles POST /api/moderate-all
func (s *Server) moderateAll(w http.ResponseWriter, r *http.Request) {
	id, queued, err := s.svc.ModerateAll(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if queued == 0 {
		respondJSON(w, http.StatusOK, map[string]any{"queued": 0})
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"job_id": id, "queued": queued})
}

// getJob handles GET /api/jobs/{id}
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "job id must be a positive integer")
		return
	}
	job, ok := s.svc.Job(id)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("job %d not found", id))
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// clear handles POST /api/moderation/clear
func (s *Server) clear(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	scope := store.ScopeAll
	if req.Scope == "unread" {
		scope = store.ScopeUnread
	}
	res, err := s.svc.Clear(r.Context(), scope)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"scope": scope.String(), "result": res})
}

// listEvents handles GET /api/events
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	if limit == 0 {
		limit = defaultEventLimit
	}
	events := s.svc.Events(min(limit, audit.DefaultRingSize))
	if events == nil {
		events = []audit.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) reinitializeTags(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.ReinitializeTags(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"tags": n})
}

// fail maps service errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrInvalid):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, moderation.ErrClassifierDisabled),
		errors.Is(err, moderation.ErrJobsDisabled),
		errors.Is(err, brain.ErrNotConfigured),
		errors.Is(err, brain.ErrCircuitOpen):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logging.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body into dst and validates it. It writes a 400 and
// returns false on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, "validation error: "+validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

func pathParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v, err := url.PathUnescape(chi.URLParam(r, name))
	if err != nil || strings.TrimSpace(v) == "" {
		respondError(w, http.StatusBadRequest, name+" is required")
		return "", false
	}
	return v, true
}

// queryLimit parses the optional limit query parameter. Absent means 0.
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Warn("Failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
