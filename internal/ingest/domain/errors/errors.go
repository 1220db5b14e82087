// Package errors defines the ingest bounded context's sentinel errors.
package errors

import "errors"

var (
	// ErrInvalidEnvelope is returned by the parser when a document fails
	// shape/field validation. Callers should record it per-document and
	// continue the batch, never abort the whole request.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrOptedOut marks a document whose (app_uuid, anon_user_id) pair has
	// opted out of collection.
	ErrOptedOut = errors.New("opted out")

	// ErrEmptyBatch is returned when Ingest is called with a nil or empty
	// batch.
	ErrEmptyBatch = errors.New("batch must be non-empty")

	// ErrMissingField is returned by opt-out/privacy-delete handlers when a
	// required field is absent.
	ErrMissingField = errors.New("missing required field")
)
