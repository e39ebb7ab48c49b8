// Package remote delivers queued records to the hosted backend.
//
// Every backend is reached through a Submitter, which classifies the answer
// into one of three outcomes: accepted (with the remote id), conflict (the
// backend already holds an equivalent record) or transient (anything else,
// retried later). Submitters are keyed by the record's local id so that a
// replayed submission is recognised by the backend and accepted again instead
// of being stored twice.
package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/solarcrm/fieldsync/internal/models"
)

// Outcome classifies a submission result.
type Outcome int

const (
	// OutcomeTransient is the zero value so an unset result is retried.
	OutcomeTransient Outcome = iota
	OutcomeAccepted
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeConflict:
		return "conflict"
	default:
		return "transient"
	}
}

// SubmitRequest is one record handed to a backend.
type SubmitRequest struct {
	Kind     models.Kind
	Payload  json.RawMessage
	OwnerKey string

	// LocalID doubles as the idempotency key.
	LocalID models.UUID

	// Force asks the backend to skip its duplicate rule ("keep as new").
	Force bool
}

// RequestFor builds the request for a queued record.
func RequestFor(rec *models.QueuedRecord) SubmitRequest {
	return SubmitRequest{
		Kind:     rec.Kind,
		Payload:  rec.Payload,
		OwnerKey: rec.OwnerKey,
		LocalID:  rec.LocalID,
		Force:    rec.Force,
	}
}

// SubmitResult is the typed answer of a backend.
type SubmitResult struct {
	Outcome  Outcome
	RemoteID string
	Reason   string
}

// Accepted reports that the backend stored the record as remoteID.
func Accepted(remoteID string) SubmitResult {
	return SubmitResult{Outcome: OutcomeAccepted, RemoteID: remoteID}
}

// Conflict reports that the backend already holds an equivalent record.
func Conflict(reason string) SubmitResult {
	return SubmitResult{Outcome: OutcomeConflict, Reason: reason}
}

// Transient reports a failure worth retrying.
func Transient(reason string) SubmitResult {
	return SubmitResult{Outcome: OutcomeTransient, Reason: reason}
}

// Transientf is Transient with formatting.
func Transientf(format string, args ...interface{}) SubmitResult {
	return Transient(fmt.Sprintf(format, args...))
}

// Submitter delivers one record. Implementations must not panic on bad
// payloads and must honour ctx for their transport timeouts.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) SubmitResult
}

// SubmitterFunc adapts a function to the Submitter interface.
type SubmitterFunc func(ctx context.Context, req SubmitRequest) SubmitResult

// Submit calls f(ctx, req).
func (f SubmitterFunc) Submit(ctx context.Context, req SubmitRequest) SubmitResult {
	return f(ctx, req)
}

// Router dispatches requests to a per-kind submitter, falling back to a default.
type Router struct {
	fallback Submitter
	routes   map[models.Kind]Submitter
}

// NewRouter creates a Router. fallback may be nil.
func NewRouter(fallback Submitter) *Router {
	return &Router{fallback: fallback, routes: make(map[models.Kind]Submitter)}
}

// Handle routes kind to s.
func (r *Router) Handle(kind models.Kind, s Submitter) *Router {
	r.routes[kind] = s
	return r
}

// Submit implements Submitter.
func (r *Router) Submit(ctx context.Context, req SubmitRequest) SubmitResult {
	if s, ok := r.routes[req.Kind]; ok && s != nil {
		return s.Submit(ctx, req)
	}
	if r.fallback != nil {
		return r.fallback.Submit(ctx, req)
	}
	return Transientf("no backend configured for %s records", req.Kind)
}
