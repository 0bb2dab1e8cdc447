package posts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Iriptembl/allin/internal/apperr"
	"github.com/Iriptembl/allin/internal/models"
)

// Repository is the relational store of posts. Store is the Postgres
// implementation; tests substitute fakes.
type Repository interface {
	Insert(ctx context.Context, p models.NewPost) (models.Post, error)
	GetByID(ctx context.Context, id int64) (models.Post, error)
	List(ctx context.Context, limit, offset int) ([]models.Post, error)
}

// Store provides database access to the posts table.
type Store struct {
	db *sql.DB
}

var _ Repository = (*Store)(nil)

// NewStore creates a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert persists p and returns it with the store-assigned id and
// created_at. The row is committed when Insert returns nil.
func (s *Store) Insert(ctx context.Context, p models.NewPost) (models.Post, error) {
	var post models.Post
	err := s.db.QueryRowContext(ctx, queryInsertPost, p.Title, p.Text).
		Scan(&post.ID, &post.Title, &post.Text, &post.CreatedAt)
	if err != nil {
		if rejected(err) {
			return models.Post{}, apperr.Reject("posts.insert", err)
		}
		return models.Post{}, apperr.Dep("posts.insert", err)
	}
	return post, nil
}

// rejected reports whether Postgres refused the row itself: data
// exceptions (class 22, e.g. invalid byte sequences) and integrity
// constraint violations (class 23).
func rejected(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")
}

// GetByID returns the post with id, or an apperr.NotFound error.
func (s *Store) GetByID(ctx context.Context, id int64) (models.Post, error) {
	var post models.Post
	err := s.db.QueryRowContext(ctx, queryGetPost, id).
		Scan(&post.ID, &post.Title, &post.Text, &post.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Post{}, apperr.NotFoundf("posts.get", fmt.Sprintf("post %d not found", id))
	}
	if err != nil {
		return models.Post{}, apperr.Dep("posts.get", err)
	}
	return post, nil
}

// List returns up to limit posts ordered by id, skipping offset rows.
func (s *Store) List(ctx context.Context, limit, offset int) ([]models.Post, error) {
	rows, err := s.db.QueryContext(ctx, queryListPosts, limit, offset)
	if err != nil {
		return nil, apperr.Dep("posts.list", err)
	}
	defer rows.Close()

	posts := make([]models.Post, 0, limit)
	for rows.Next() {
		var p models.Post
		if err := rows.Scan(&p.ID, &p.Title, &p.Text, &p.CreatedAt); err != nil {
			return nil, apperr.Dep("posts.list", fmt.Errorf("scan: %w", err))
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Dep("posts.list", err)
	}
	return posts, nil
}
