// Package apidoc registers the OpenAPI document of the build server so
// /swagger/doc.json can serve it. Keep it in step with the handler
// annotations in cmd/server.
package apidoc

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
        "/build": {
            "post": {
                "summary": "Queue a build",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/createBuildRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/createBuildResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/errorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/errorResponse"}}
                }
            }
        },
        "/build/{id}/status": {
            "get": {
                "summary": "Get build status",
                "produces": ["application/json"],
                "parameters": [{"in": "path", "name": "id", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/buildResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/errorResponse"}}
                }
            }
        },
        "/build/{id}/events": {
            "get": {
                "summary": "Stream build events",
                "produces": ["text/event-stream"],
                "parameters": [{"in": "path", "name": "id", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "OK"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/errorResponse"}}
                }
            }
        },
        "/build/{id}/ws": {
            "get": {
                "summary": "Stream build events over WebSocket",
                "parameters": [{"in": "path", "name": "id", "type": "string", "required": true}],
                "responses": {
                    "101": {"description": "Switching Protocols"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/errorResponse"}}
                }
            }
        },
        "/build/{id}/policy": {
            "get": {
                "summary": "Get build security policy",
                "produces": ["application/json"],
                "parameters": [
                    {"in": "path", "name": "id", "type": "string", "required": true},
                    {"in": "query", "name": "ancestors", "type": "string"},
                    {"in": "query", "name": "legacy", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/policyResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/errorResponse"}}
                }
            }
        },
        "/build/{id}/cancel": {
            "post": {
                "summary": "Cancel a build",
                "produces": ["application/json"],
                "parameters": [{"in": "path", "name": "id", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/buildResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/errorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/errorResponse"}}
                }
            }
        },
        "/build/{id}/assets": {
            "put": {
                "summary": "Replace build assets",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"in": "path", "name": "id", "type": "string", "required": true},
                    {"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/updateAssetsRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/updateAssetsResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/errorResponse"}}
                }
            }
        },
        "/builds": {
            "get": {
                "summary": "List builds",
                "produces": ["application/json"],
                "parameters": [
                    {"in": "query", "name": "cursor", "type": "string"},
                    {"in": "query", "name": "limit", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/listBuildsResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errorResponse"}}
                }
            }
        },
        "/builds/{id}/{path}": {
            "get": {
                "summary": "Get a build artifact",
                "parameters": [
                    {"in": "path", "name": "id", "type": "string", "required": true},
                    {"in": "path", "name": "path", "type": "string", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/errorResponse"}}
                }
            }
        },
        "/{listingId}/build/{path}": {
            "get": {
                "summary": "Get a listing's build",
                "parameters": [
                    {"in": "path", "name": "listingId", "type": "string", "required": true},
                    {"in": "path", "name": "path", "type": "string", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "307": {"description": "Temporary Redirect"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/errorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "asset": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "name": {"type": "string"},
                "dataUrl": {"type": "string"}
            }
        },
        "createBuildRequest": {
            "type": "object",
            "properties": {
                "inlineCode": {"type": "string"},
                "files": {"type": "object", "additionalProperties": {"type": "string"}},
                "entry": {"type": "string"},
                "capabilities": {"type": "object"},
                "assets": {"type": "array", "items": {"$ref": "#/definitions/asset"}},
                "pins": {"type": "object", "additionalProperties": {"type": "string"}},
                "listingId": {"type": "string"}
            }
        },
        "createBuildResponse": {
            "type": "object",
            "properties": {"buildId": {"type": "string"}}
        },
        "buildResponse": {
            "type": "object",
            "properties": {
                "buildId": {"type": "string"},
                "state": {"type": "string", "enum": ["queued", "bundling", "verifying", "success", "failed"]},
                "progress": {"type": "integer"},
                "error": {"type": "string"},
                "errorCategory": {"type": "string"},
                "listingId": {"type": "string"},
                "createdAt": {"type": "string", "format": "date-time"},
                "updatedAt": {"type": "string", "format": "date-time"},
                "artifacts": {
                    "type": "object",
                    "properties": {
                        "indexPath": {"type": "string"},
                        "manifestPath": {"type": "string"},
                        "bundlePath": {"type": "string"},
                        "public": {"type": "string"}
                    }
                },
                "missing": {"type": "array", "items": {"type": "string"}}
            }
        },
        "listBuildsResponse": {
            "type": "object",
            "properties": {
                "builds": {"type": "array", "items": {"$ref": "#/definitions/buildResponse"}},
                "nextCursor": {"type": "string"}
            }
        },
        "policyResponse": {
            "type": "object",
            "properties": {
                "csp": {"type": "string"},
                "sandbox": {"type": "string"}
            }
        },
        "updateAssetsRequest": {
            "type": "object",
            "properties": {"assets": {"type": "array", "items": {"$ref": "#/definitions/asset"}}}
        },
        "updateAssetsResponse": {
            "type": "object",
            "properties": {"assets": {"type": "array", "items": {"type": "object"}}}
        },
        "errorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string"},
                "detail": {"type": "string"},
                "missing": {"type": "array", "items": {"type": "string"}}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Builds API",
	Description:      "Queues app builds, reports their progress and serves their artifacts.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
