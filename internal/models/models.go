// Package models contains the domain structs shared by the api and worker.
package models

import "time"

// HealthResponse is returned by /healthz and /readyz endpoints.
type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Post is a persisted post. ID and CreatedAt are assigned by the store.
type Post struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// NewPost is the queue message body: a post that has not been persisted
// yet and therefore has no id.
type NewPost struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}
