package lifecycle

import (
	"slices"
	"strconv"
	"strings"
	"time"
)

// UserID is an opaque platform user identifier.
type UserID uint64

func (u UserID) String() string { return strconv.FormatUint(uint64(u), 10) }

// ParseUserID parses a decimal user identifier such as a Discord snowflake.
func ParseUserID(s string) (UserID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return UserID(v), nil
}

// Status is the lifecycle state of a proposal.
type Status string

const (
	StatusActive  Status = "active"
	StatusPassed  Status = "passed"
	StatusVetoed  Status = "vetoed"
	StatusDeleted Status = "deleted by admin"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusPassed || s == StatusVetoed || s == StatusDeleted
}

// VetoTiming selects when a veto takes effect.
type VetoTiming string

const (
	VetoImmediate  VetoTiming = "now"
	VetoAtDeadline VetoTiming = "deadline"
)

// Proposal is a member proposal as held by the engine and the store.
type Proposal struct {
	ID             string
	Name           string
	CreatedAt      time.Time
	Deadline       time.Time
	MessageRef     string
	VetoAtDeadline bool
	Subscribers    []UserID
}

// HasSubscriber reports whether user is in the subscriber set.
func (p *Proposal) HasSubscriber(user UserID) bool {
	return slices.Contains(p.Subscribers, user)
}

// Clone returns a copy that shares no slices with p.
func (p Proposal) Clone() Proposal {
	p.Subscribers = slices.Clone(p.Subscribers)
	return p
}

// Remaining returns the time left until the deadline, never negative.
func (p *Proposal) Remaining(now time.Time) time.Duration {
	if d := p.Deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// NormalizeName derives the proposal key: trimmed, inner whitespace collapsed
// to single spaces and lower-cased.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
