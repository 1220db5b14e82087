// Package docs registers the ingest API's swagger spec with swaggo so
// http-swagger can serve it at /swagger/. Hand-maintained rather than
// swag-init-generated; keep this in sync with the routes registered in
// handler.go.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "sbanalytics ingest API",
        "description": "Mobile analytics event ingestion, opt-out, and privacy deletion.",
        "version": "1.0"
    },
    "basePath": "/v1",
    "paths": {
        "/events": {
            "post": {
                "summary": "Ingest a batch of canonical events",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"name": "body", "in": "body", "required": true, "schema": {"type": "array", "items": {"type": "object"}}}
                ],
                "responses": {
                    "200": {"description": "accepted count plus any per-event rejections"},
                    "400": {"description": "empty or malformed batch"}
                }
            }
        },
        "/opt-out": {
            "post": {
                "summary": "Record a privacy opt-out for an app_uuid/anon_user_id pair",
                "consumes": ["application/json"],
                "parameters": [
                    {"name": "body", "in": "body", "required": true, "schema": {"type": "object", "properties": {"app_uuid": {"type": "string"}, "anon_user_id": {"type": "string"}}}}
                ],
                "responses": {
                    "200": {"description": "ok"},
                    "400": {"description": "missing app_uuid or anon_user_id"}
                }
            }
        },
        "/privacy/delete": {
            "post": {
                "summary": "Delete personal data for an app_uuid/anon_user_id pair",
                "consumes": ["application/json"],
                "parameters": [
                    {"name": "body", "in": "body", "required": true, "schema": {"type": "object", "properties": {"app_uuid": {"type": "string"}, "anon_user_id": {"type": "string"}, "delete_opt_out": {"type": "boolean"}}}}
                ],
                "responses": {
                    "200": {"description": "per-table row counts deleted"},
                    "400": {"description": "missing app_uuid or anon_user_id"}
                }
            }
        }
    }
}`

// SwaggerInfo holds exported swagger metadata used by http-swagger's
// WrapHandler.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/v1",
	Schemes:          []string{},
	Title:            "sbanalytics ingest API",
	Description:      "Mobile analytics event ingestion, opt-out, and privacy deletion.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
