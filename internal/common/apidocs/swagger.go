// Package apidocs serves the hand-maintained Swagger 2.0 document describing
// the HTTP contracts documented in SPEC_FULL.md §6, mounted behind
// github.com/swaggo/http-swagger/v2's UI handler the same way the teacher
// mounts its platform API docs.
package apidocs

import "net/http"

// spec is served at /swagger/doc.json. It documents the postbox ingest
// endpoint and the dispatch-processing endpoint; it is maintained by hand
// rather than generated, since the full admin platform API this repo's
// teacher documents with swag annotations is out of scope here.
const spec = `{
  "swagger": "2.0",
  "info": {
    "title": "FlowCatalyst",
    "description": "Postbox ingest and dispatch-processing HTTP contracts.",
    "version": "1.0"
  },
  "basePath": "/",
  "paths": {
    "/api/v1/postbox/ingest": {
      "post": {
        "summary": "Ingest an outbox item",
        "description": "Inserts a new outbox item (EVENT or DISPATCH_JOB). Deduplicates on id: inserting an id that already exists is a no-op, with no expiry, and still reports 201.",
        "consumes": ["application/json"],
        "produces": ["application/json"],
        "parameters": [
          {
            "in": "body",
            "name": "body",
            "required": true,
            "schema": {
              "type": "object",
              "required": ["id", "type", "payload"],
              "properties": {
                "id": {"type": "string"},
                "tenantId": {"type": "string"},
                "partitionId": {"type": "string"},
                "messageGroup": {"type": "string"},
                "type": {"type": "string", "enum": ["EVENT", "DISPATCH_JOB"]},
                "payload": {"type": "string"},
                "payloadSize": {"type": "integer"},
                "createdAt": {"type": "string", "format": "date-time"},
                "headers": {"type": "object", "additionalProperties": {"type": "string"}}
              }
            }
          }
        ],
        "responses": {
          "201": {"description": "Created"},
          "400": {"description": "Missing required field or invalid type enum"},
          "413": {"description": "Payload exceeds the configured maximum size"}
        }
      }
    },
    "/api/dispatch/process": {
      "post": {
        "summary": "Process a dispatch job pointer",
        "description": "Delivered by the message router's dispatch pool to the configured downstream target for a single queued message.",
        "consumes": ["application/json"],
        "produces": ["application/json"],
        "responses": {
          "200": {"description": "Processed; the body's ack flag and optional delay tell the router whether to acknowledge or retry"},
          "400": {"description": "Request body is not valid JSON"},
          "401": {"description": "Missing or invalid bearer token"},
          "500": {"description": "Repository error while processing the job"}
        }
      }
    }
  }
}`

// Handler serves the raw Swagger document that httpSwagger.Handler's
// generated UI fetches via httpSwagger.URL.
func Handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(spec))
}
