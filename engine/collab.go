/*
collab.go - External collaborators consumed by the lifecycle service

PURPOSE:
  The resource directory, audit sink and notification dispatcher are owned
  by other systems. The engine consumes them through these interfaces.

FAILURE POLICY:
  - Directory/catalog failures are fatal to the operation in flight
    (ErrCollaboratorUnavailable); no partial record is persisted.
  - Audit and notification failures are logged and never surfaced, never
    retried synchronously, and never roll back committed state.
*/
package engine

import (
	"context"
	"log"
	"strings"
	"time"
)

// =============================================================================
// RESOURCE DIRECTORY
// =============================================================================

// Assignment is one client/location grant held by a resource.
type Assignment struct {
	Client     string
	LocationID LocationID
}

// Resource is a directory entry for a worker.
type Resource struct {
	ID          ResourceID
	Name        string
	Email       string
	Assignments []Assignment
}

// HasGrant reports whether the resource may log against the location.
// A grant matches on location id, or on client name when the grant carries
// no specific location.
func (r Resource) HasGrant(client string, location LocationID) bool {
	for _, a := range r.Assignments {
		if a.LocationID == location {
			return true
		}
		if a.LocationID == "" && a.Client != "" && strings.EqualFold(a.Client, client) {
			return true
		}
	}
	return false
}

// Directory looks up resources.
type Directory interface {
	// FindResourceByEmail returns nil (no error) when the email is unknown.
	FindResourceByEmail(ctx context.Context, email string) (*Resource, error)
}

// =============================================================================
// AUDIT SINK
// =============================================================================

type AuditEventType string

const (
	AuditEntryCreated    AuditEventType = "entry_created"
	AuditEntryEdited     AuditEventType = "entry_edited"
	AuditDeleteRequested AuditEventType = "delete_requested"
	AuditDeleteReviewed  AuditEventType = "delete_reviewed"
)

// AuditEvent is the fire-and-forget activity record.
type AuditEvent struct {
	Type     AuditEventType
	Actor    Actor
	RecordID RecordID
	At       time.Time
	Details  map[string]string
}

// AuditSink records activity events. Implementations must not block the
// caller on failure.
type AuditSink interface {
	Record(ctx context.Context, ev AuditEvent) error
}

// =============================================================================
// NOTIFICATION DISPATCHER
// =============================================================================

// Notification is the payload sent to reviewers when a delete is requested.
type Notification struct {
	Recipients []string
	Subject    string
	Body       string
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// =============================================================================
// DEFAULT IMPLEMENTATIONS
// =============================================================================

// LogAuditSink writes events to the process log. Good enough for dev; swap
// for the real activity service in production wiring.
type LogAuditSink struct{}

func (LogAuditSink) Record(_ context.Context, ev AuditEvent) error {
	log.Printf("[Audit] %s record=%s actor=%s(%s)", ev.Type, ev.RecordID, ev.Actor.ID, ev.Actor.Role)
	return nil
}

// NopNotifier drops notifications. Test/dev default.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }
