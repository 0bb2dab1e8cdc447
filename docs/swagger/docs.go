// Package swagger registers the OpenAPI document served at /swagger/*.
// Keep it in step with the godoc annotations on internal/posts.Handler.
package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/": {
            "get": {
                "description": "Returns one page of persisted posts ordered by id. limit and page may also be sent as a JSON body.",
                "produces": ["application/json"],
                "tags": ["posts"],
                "summary": "List posts",
                "parameters": [
                    {"type": "integer", "default": 5, "description": "Page size (capped)", "name": "limit", "in": "query"},
                    {"type": "integer", "default": 1, "description": "1-based page number", "name": "page", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/posts.Page"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/posts.errorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/posts.errorResponse"}}
                }
            },
            "post": {
                "description": "Validates the post and publishes it to the work queue. The post is persisted asynchronously.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["posts"],
                "summary": "Enqueue a post",
                "parameters": [
                    {"description": "Post to add", "name": "post", "in": "body", "required": true, "schema": {"$ref": "#/definitions/models.NewPost"}}
                ],
                "responses": {
                    "202": {"description": "Added to queue", "schema": {"type": "string"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/posts.errorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/posts.errorResponse"}}
                }
            }
        },
        "/{id}": {
            "get": {
                "description": "Returns a persisted post, served from the cache when present.",
                "produces": ["application/json"],
                "tags": ["posts"],
                "summary": "Get a post",
                "parameters": [
                    {"type": "integer", "example": 1, "description": "Post ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/posts.PostResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/posts.errorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/posts.errorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/posts.errorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "models.NewPost": {
            "type": "object",
            "properties": {
                "title": {"type": "string", "example": "Hello"},
                "text": {"type": "string", "example": "First post"}
            }
        },
        "models.Post": {
            "type": "object",
            "properties": {
                "id": {"type": "integer", "example": 1},
                "title": {"type": "string", "example": "Hello"},
                "text": {"type": "string", "example": "First post"},
                "created_at": {"type": "string", "example": "2024-01-01T00:00:00Z"}
            }
        },
        "posts.Page": {
            "type": "object",
            "properties": {
                "data": {"type": "array", "items": {"$ref": "#/definitions/models.Post"}},
                "page": {"type": "integer", "example": 1},
                "quantity": {"type": "integer", "example": 5}
            }
        },
        "posts.PostResponse": {
            "type": "object",
            "properties": {
                "data": {"$ref": "#/definitions/models.Post"},
                "isCached": {"type": "boolean"}
            }
        },
        "posts.errorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string", "example": "title: cannot be blank."}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:5001",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "allin API",
	Description:      "Queued post ingestion with cache-aside reads.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
