// Package posts implements the post ingestion and read paths: the
// relational store, the service that enqueues new posts and serves reads
// through the cache, and the HTTP handlers.
package posts

// SQL queries for the posts table.
const (
	queryInsertPost = `
INSERT INTO posts (title, text)
VALUES ($1, $2)
RETURNING id, title, text, created_at`

	queryGetPost = `
SELECT id, title, text, created_at
FROM posts
WHERE id = $1`

	// queryListPosts pages through posts in id order.
	// Parameters: $1 = limit, $2 = offset.
	queryListPosts = `
SELECT id, title, text, created_at
FROM posts
ORDER BY id ASC
LIMIT $1 OFFSET $2`
)
