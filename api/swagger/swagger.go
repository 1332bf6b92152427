package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Release Assessment Portal API",
        "description": "Submit release impact assessment requests and browse engine results",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Authentication", "description": "Accounts and sessions"},
        {"name": "Releases", "description": "Release catalog"},
        {"name": "Requests", "description": "Assessment request lifecycle"},
        {"name": "Results", "description": "Engine results and exports"},
        {"name": "Engine", "description": "Assessment engine callbacks"},
        {"name": "Events", "description": "Realtime change streams"}
    ],
    "paths": {
        "/auth/signup": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Register a new account",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/SignupRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Email already registered"}
                }
            }
        },
        "/auth/login": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Authenticate user",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/LoginRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Invalid credentials"}
                }
            }
        },
        "/auth/refresh": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Refresh access token",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/auth/logout": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Revoke refresh token",
                "responses": {
                    "204": {"description": "No Content"}
                }
            }
        },
        "/auth/me": {
            "get": {
                "tags": ["Authentication"],
                "summary": "Current user profile",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/releases": {
            "get": {
                "tags": ["Releases"],
                "summary": "List selectable releases",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Releases"],
                "summary": "Register a release (admin)",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateReleaseRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/requests": {
            "get": {
                "tags": ["Requests"],
                "summary": "List own requests",
                "parameters": [
                    {"name": "status", "in": "query", "type": "string"},
                    {"name": "search", "in": "query", "type": "string"},
                    {"name": "limit", "in": "query", "type": "integer"},
                    {"name": "offset", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Requests"],
                "summary": "Submit an assessment request",
                "consumes": ["multipart/form-data"],
                "parameters": [
                    {"name": "payload", "in": "formData", "required": true, "type": "string", "description": "SubmitRequest JSON"},
                    {"name": "attachments", "in": "formData", "type": "file"}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Validation error"}
                }
            }
        },
        "/requests/{id}": {
            "get": {
                "tags": ["Requests"],
                "summary": "Request detail with releases and attachments",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found"}
                }
            }
        },
        "/requests/{id}/cancel": {
            "post": {
                "tags": ["Requests"],
                "summary": "Cancel a queued or running request",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "No longer cancelable"}
                }
            }
        },
        "/requests/{id}/attachments/{attachmentId}/download-url": {
            "get": {
                "tags": ["Requests"],
                "summary": "Issue a signed attachment download URL",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "attachmentId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/attachments/download": {
            "get": {
                "tags": ["Requests"],
                "summary": "Download an attachment with a signed token",
                "parameters": [
                    {"name": "token", "in": "query", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "File stream"},
                    "401": {"description": "Invalid or expired token"}
                }
            }
        },
        "/requests/{id}/results": {
            "get": {
                "tags": ["Results"],
                "summary": "Assessment results",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Results not available"}
                }
            }
        },
        "/requests/{id}/results/api-changes": {
            "get": {
                "tags": ["Results"],
                "summary": "Endpoint-level changes",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "filter", "in": "query", "type": "string", "description": "all, Added, Modified or Removed"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/requests/{id}/results/database-changes": {
            "get": {
                "tags": ["Results"],
                "summary": "Table-level changes",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "filter", "in": "query", "type": "string", "description": "all, Added, Modified or Removed"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/requests/{id}/results/raw": {
            "get": {
                "tags": ["Results"],
                "summary": "Verbatim engine payload",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/requests/{id}/results/export": {
            "get": {
                "tags": ["Results"],
                "summary": "Export results as a file",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "format", "in": "query", "type": "string", "description": "json, markdown or pdf"}
                ],
                "responses": {
                    "200": {"description": "File download"},
                    "400": {"description": "Unknown format"}
                }
            }
        },
        "/engine/requests": {
            "get": {
                "tags": ["Engine"],
                "summary": "List queued requests for processing",
                "parameters": [
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/engine/requests/{id}/status": {
            "patch": {
                "tags": ["Engine"],
                "summary": "Report a status transition",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/TransitionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Illegal transition"}
                }
            }
        },
        "/engine/requests/{id}/results": {
            "put": {
                "tags": ["Engine"],
                "summary": "Store assessment results",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/SubmitResults"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/events/requests": {
            "get": {
                "tags": ["Events"],
                "summary": "Stream change events for own requests (SSE)",
                "produces": ["text/event-stream"],
                "responses": {
                    "200": {"description": "Event stream"}
                }
            }
        },
        "/events/requests/{id}": {
            "get": {
                "tags": ["Events"],
                "summary": "Stream change events for one request (SSE)",
                "produces": ["text/event-stream"],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Event stream"}
                }
            }
        }
    },
    "definitions": {
        "SignupRequest": {
            "type": "object",
            "properties": {
                "email": {"type": "string"},
                "password": {"type": "string"},
                "full_name": {"type": "string"}
            },
            "required": ["email", "password", "full_name"]
        },
        "LoginRequest": {
            "type": "object",
            "properties": {
                "email": {"type": "string"},
                "password": {"type": "string"}
            },
            "required": ["email", "password"]
        },
        "CreateReleaseRequest": {
            "type": "object",
            "properties": {
                "version": {"type": "string"},
                "release_date": {"type": "string", "format": "date"},
                "is_active": {"type": "boolean"}
            },
            "required": ["version", "release_date"]
        },
        "SubmitRequest": {
            "type": "object",
            "properties": {
                "report_type": {"type": "string", "enum": ["API", "Database", "API+Database"]},
                "current_release_id": {"type": "string"},
                "target_release_id": {"type": "string"},
                "environment": {"type": "string", "enum": ["Development", "Test", "Staging", "Production", "Not Applicable"]},
                "title": {"type": "string"},
                "description": {"type": "string"},
                "notify_on_completion": {"type": "boolean"},
                "notify_on_failure": {"type": "boolean"}
            },
            "required": ["report_type", "current_release_id", "target_release_id", "environment"]
        },
        "TransitionRequest": {
            "type": "object",
            "properties": {
                "status": {"type": "string", "enum": ["Running", "Completed", "Failed"]},
                "error_message": {"type": "string"}
            },
            "required": ["status"]
        },
        "SubmitResults": {
            "type": "object",
            "properties": {
                "summary": {"type": "object"},
                "api_changes": {"type": "array", "items": {"type": "object"}},
                "database_changes": {"type": "array", "items": {"type": "object"}},
                "raw_data": {"type": "object"}
            },
            "required": ["summary"]
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
