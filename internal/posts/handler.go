package posts

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Iriptembl/allin/internal/apperr"
	"github.com/Iriptembl/allin/internal/models"
)

// Handler exposes the posts HTTP endpoints.
type Handler struct {
	svc          *Service
	maxBodyBytes int64
}

// NewHandler creates a Handler backed by the given Service. Request
// bodies larger than maxBodyBytes are rejected; zero means 1 MiB.
func NewHandler(svc *Service, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &Handler{svc: svc, maxBodyBytes: maxBodyBytes}
}

// Routes mounts the handlers on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.GetByID)
}

// ---------------------------------------------------------------------------
// Response types
// ---------------------------------------------------------------------------

// PostResponse is the response for GET /{id}.
type PostResponse struct {
	Data     models.Post `json:"data"`
	IsCached bool        `json:"isCached"`
}

type errorResponse struct {
	Error string `json:"error" example:"title: cannot be blank."`
}

// listRequest is the optional JSON body of GET /.
type listRequest struct {
	Limit *int `json:"limit"`
	Page  *int `json:"page"`
}

// ---------------------------------------------------------------------------
// POST /
// ---------------------------------------------------------------------------

// Create godoc
//
//	@Summary		Enqueue a post
//	@Description	Validates the post and publishes it to the work queue. The post is persisted asynchronously.
//	@Tags			posts
//	@Accept			json
//	@Produce		json
//	@Param			post	body		models.NewPost	true	"Post to add"
//	@Success		202		{string}	string			"Added to queue"
//	@Failure		400		{object}	errorResponse
//	@Failure		500		{object}	errorResponse
//	@Router			/ [post]
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var p models.NewPost
	if err := h.decode(w, r, &p); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	start := time.Now()
	if err := h.svc.Enqueue(r.Context(), p); err != nil {
		writeAppErr(w, "enqueue post", err)
		return
	}

	slog.Info("post accepted", "latency_ms", time.Since(start).Milliseconds())
	writeJSON(w, http.StatusAccepted, "Added to queue")
}

// ---------------------------------------------------------------------------
// GET /
// ---------------------------------------------------------------------------

// List godoc
//
//	@Summary		List posts
//	@Description	Returns one page of persisted posts ordered by id. limit and page may also be sent as a JSON body.
//	@Tags			posts
//	@Produce		json
//	@Param			limit	query		int	false	"Page size (capped)"	default(5)
//	@Param			page	query		int	false	"1-based page number"	default(1)
//	@Success		200		{object}	Page
//	@Failure		400		{object}	errorResponse
//	@Failure		500		{object}	errorResponse
//	@Router			/ [get]
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit, page, err := h.parsePaging(w, r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.svc.List(r.Context(), limit, page)
	if err != nil {
		writeAppErr(w, "list posts", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// parsePaging reads limit and page from the query string, falling back to
// a JSON body. Absent values take the defaults; present values must be
// positive integers.
func (h *Handler) parsePaging(w http.ResponseWriter, r *http.Request) (limit, page int, err error) {
	limit, page = DefaultLimit, DefaultPage

	q := r.URL.Query()
	if q.Has("limit") || q.Has("page") {
		if q.Has("limit") {
			if limit, err = positiveInt("limit", q.Get("limit")); err != nil {
				return 0, 0, err
			}
		}
		if q.Has("page") {
			if page, err = positiveInt("page", q.Get("page")); err != nil {
				return 0, 0, err
			}
		}
		return limit, page, nil
	}

	if r.Body == nil || r.ContentLength == 0 {
		return limit, page, nil
	}
	var body listRequest
	if err := h.decode(w, r, &body); err != nil {
		if errors.Is(err, io.EOF) {
			return limit, page, nil
		}
		return 0, 0, errors.New("invalid JSON body")
	}
	if body.Limit != nil {
		if *body.Limit <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = *body.Limit
	}
	if body.Page != nil {
		if *body.Page <= 0 {
			return 0, 0, errors.New("page must be a positive integer")
		}
		page = *body.Page
	}
	return limit, page, nil
}

func positiveInt(name, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// GET /{id}
// ---------------------------------------------------------------------------

// GetByID godoc
//
//	@Summary		Get a post
//	@Description	Returns a persisted post, served from the cache when present.
//	@Tags			posts
//	@Produce		json
//	@Param			id	path		int	true	"Post ID"	example(1)
//	@Success		200	{object}	PostResponse
//	@Failure		400	{object}	errorResponse
//	@Failure		404	{object}	errorResponse
//	@Failure		500	{object}	errorResponse
//	@Router			/{id} [get]
func (h *Handler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeErr(w, http.StatusBadRequest, "id must be a positive integer")
		return
	}

	post, cached, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeAppErr(w, "get post", err)
		return
	}
	writeJSON(w, http.StatusOK, PostResponse{Data: post, IsCached: cached})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes)).Decode(v)
}

// writeAppErr maps err's kind to a status code. Dependency failures are
// logged and answered with a generic message.
func writeAppErr(w http.ResponseWriter, op string, err error) {
	switch apperr.KindOf(err) {
	case apperr.Validation:
		writeErr(w, http.StatusBadRequest, apperr.Message(err))
	case apperr.NotFound:
		writeErr(w, http.StatusNotFound, apperr.Message(err))
	default:
		slog.Error(op, "error", err, "timeout", apperr.Timeout(err))
		writeErr(w, http.StatusInternalServerError, apperr.Message(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
