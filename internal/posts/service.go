package posts

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Iriptembl/allin/internal/apperr"
	"github.com/Iriptembl/allin/internal/broker"
	"github.com/Iriptembl/allin/internal/cache"
	"github.com/Iriptembl/allin/internal/models"
)

// List defaults applied when the client omits limit or page.
const (
	DefaultLimit = 5
	DefaultPage  = 1
)

// Options configures a Service.
type Options struct {
	Queue          string
	RequestTimeout time.Duration
	ListMaxLimit   int
	KeyPrefix      string
	Limits         Limits
}

// Service implements enqueueing new posts and reading persisted ones.
type Service struct {
	repo   Repository
	broker broker.Broker
	cache  cache.Store
	opts   Options

	group singleflight.Group
}

// NewService creates a Service.
func NewService(repo Repository, b broker.Broker, c cache.Store, opts Options) *Service {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	return &Service{repo: repo, broker: b, cache: c, opts: opts}
}

// ---------------------------------------------------------------------------
// Enqueue
// ---------------------------------------------------------------------------

// Enqueue validates p and publishes it to the work queue. It returns as
// soon as the broker accepts the message; the post becomes readable only
// once the worker has persisted it.
func (s *Service) Enqueue(ctx context.Context, p models.NewPost) error {
	if err := s.opts.Limits.Validate(p); err != nil {
		return apperr.Validationf("posts.enqueue", err.Error())
	}

	body, err := json.Marshal(p)
	if err != nil {
		return apperr.Dep("posts.enqueue", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	if err := s.broker.DeclareQueue(ctx, s.opts.Queue); err != nil {
		return apperr.Dep("posts.enqueue", err)
	}
	if err := s.broker.Publish(ctx, s.opts.Queue, body); err != nil {
		return apperr.Dep("posts.enqueue", err)
	}

	slog.Debug("post enqueued", "queue", s.opts.Queue, "bytes", len(body))
	return nil
}

// ---------------------------------------------------------------------------
// List
// ---------------------------------------------------------------------------

// Page is one page of posts. Quantity is the effective limit.
type Page struct {
	Data     []models.Post `json:"data"`
	Page     int           `json:"page" example:"1"`
	Quantity int           `json:"quantity" example:"5"`
}

// List returns page number page of size limit, ordered by id. Both must
// be positive; limit is capped at ListMaxLimit.
func (s *Service) List(ctx context.Context, limit, page int) (Page, error) {
	if limit <= 0 {
		return Page{}, apperr.Validationf("posts.list", "limit must be a positive integer")
	}
	if page <= 0 {
		return Page{}, apperr.Validationf("posts.list", "page must be a positive integer")
	}
	if s.opts.ListMaxLimit > 0 && limit > s.opts.ListMaxLimit {
		limit = s.opts.ListMaxLimit
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	posts, err := s.repo.List(ctx, limit, limit*(page-1))
	if err != nil {
		return Page{}, err
	}
	return Page{Data: posts, Page: page, Quantity: limit}, nil
}

// ---------------------------------------------------------------------------
// Get
// ---------------------------------------------------------------------------

// Get returns the post with id and whether it was served from the cache.
//
// Cache errors never fail the read: a failed or corrupted lookup counts
// as a miss and a failed populate is only logged. Not-found results are
// never cached. Concurrent misses for the same id share one store query.
// The shared query runs detached from any single caller, so a caller that
// gives up does not fail the others waiting on it.
func (s *Service) Get(ctx context.Context, id int64) (models.Post, bool, error) {
	if id <= 0 {
		return models.Post{}, false, apperr.Validationf("posts.get", "id must be a positive integer")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	key := cache.PostKey(s.opts.KeyPrefix, id)

	if post, ok := s.cached(ctx, key); ok {
		return post, true, nil
	}

	ch := s.group.DoChan(strconv.FormatInt(id, 10), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RequestTimeout)
		defer cancel()

		post, err := s.repo.GetByID(fctx, id)
		if err != nil {
			return models.Post{}, err
		}
		s.populate(fctx, key, post)
		return post, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return models.Post{}, false, res.Err
		}
		return res.Val.(models.Post), false, nil
	case <-ctx.Done():
		return models.Post{}, false, apperr.Dep("posts.get", ctx.Err())
	}
}

func (s *Service) cached(ctx context.Context, key string) (models.Post, bool) {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("cache get failed, reading from store", "key", key, "error", err)
		return models.Post{}, false
	}
	if !ok {
		return models.Post{}, false
	}

	var post models.Post
	if err := json.Unmarshal([]byte(raw), &post); err != nil {
		slog.Warn("corrupted cache entry, reading from store", "key", key, "error", err)
		return models.Post{}, false
	}
	return post, true
}

func (s *Service) populate(ctx context.Context, key string, post models.Post) {
	raw, err := json.Marshal(post)
	if err != nil {
		slog.Error("encode post for cache", "post_id", post.ID, "error", err)
		return
	}
	if err := s.cache.Set(ctx, key, string(raw)); err != nil {
		slog.Warn("cache set failed", "post_id", post.ID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Check pings the cache and the broker. The store is checked by the
// binary since it owns the *sql.DB.
func (s *Service) Check(ctx context.Context) map[string]error {
	return map[string]error{
		"cache":  s.cache.Ping(ctx),
		"broker": s.broker.Ping(ctx),
	}
}
