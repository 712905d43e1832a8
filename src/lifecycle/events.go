package lifecycle

import (
	"context"
	"time"
)

// EventKind names a lifecycle event published to an EventSink.
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventVetoed       EventKind = "vetoed"
	EventDeleted      EventKind = "deleted"
	EventPassed       EventKind = "passed"
	EventExtended     EventKind = "extended"
	EventDeferredVeto EventKind = "deferred_veto"
)

// Event describes a state change of a single proposal.
type Event struct {
	Kind       EventKind
	ProposalID string
	Name       string
	Actor      UserID
	Deadline   time.Time
	At         time.Time
}

// EventSink receives lifecycle events. Publishing is best-effort.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

func eventForStatus(s Status) EventKind {
	switch s {
	case StatusVetoed:
		return EventVetoed
	case StatusDeleted:
		return EventDeleted
	default:
		return EventPassed
	}
}
