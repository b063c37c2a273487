// Package presence defines the shared presence record and the staleness
// resolver that turns a stored record into the status a reader should show.
//
// A subject is the sole writer of its own record. Readers never trust the
// stored status alone: a record whose lastSeen is older than the stale
// threshold resolves to [Offline] no matter what status it carries, which is
// how a crashed or sleeping client disappears without ever writing "offline".
package presence

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ///////////////////////////////////////////////
// Status
// ///////////////////////////////////////////////

// Status is a user-visible availability status.
type Status string

const (
	Online    Status = "online"
	Idle      Status = "idle"
	Offline   Status = "offline"
	Invisible Status = "invisible"
	DND       Status = "dnd"
)

// ErrInvalidStatus is returned by [ParseStatus] for unknown status names.
var ErrInvalidStatus = errors.New("invalid presence status")

// Statuses lists every valid status in display order.
var Statuses = []Status{Online, Idle, DND, Invisible, Offline}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case Online, Idle, Offline, Invisible, DND:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// ParseStatus converts a status name into a [Status].
func ParseStatus(name string) (Status, error) {
	s := Status(name)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, name)
	}
	return s, nil
}

// ///////////////////////////////////////////////
// Record
// ///////////////////////////////////////////////

// Record is the persisted presence document for one subject.
type Record struct {
	SubjectID string `json:"subjectId"`
	Status    Status `json:"status"`
	// LastSeen is Unix milliseconds of the last heartbeat. Zero means absent.
	LastSeen   int64  `json:"lastSeen"`
	IsAutoIdle bool   `json:"isAutoIdle"`
	SessionID  string `json:"sessionId,omitempty"`
}

// LastSeenTime returns LastSeen as a [time.Time], or the zero time when absent.
func (r Record) LastSeenTime() time.Time {
	if r.LastSeen == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.LastSeen)
}

// Validate checks the subject id and status of a record before it is written.
func (r Record) Validate() error {
	if err := ValidateSubjectID(r.SubjectID); err != nil {
		return err
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, r.Status)
	}
	if r.IsAutoIdle && r.Status != Idle {
		return fmt.Errorf("auto-idle record with status %q", r.Status)
	}
	return nil
}

// ErrInvalidSubjectID is returned for subject ids that cannot be used as a
// store key.
var ErrInvalidSubjectID = errors.New("invalid subject id")

// subjectIDPattern admits ids that are valid NATS KV keys, file names and
// SQL keys at the same time.
var subjectIDPattern = regexp.MustCompile(`^[A-Za-z0-9_=-]+(\.[A-Za-z0-9_=-]+)*$`)

// MaxSubjectIDLen bounds subject id length.
const MaxSubjectIDLen = 128

// ValidateSubjectID reports whether id can name a presence record.
func ValidateSubjectID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSubjectID)
	}
	if len(id) > MaxSubjectIDLen {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidSubjectID, MaxSubjectIDLen)
	}
	if !subjectIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSubjectID, id)
	}
	return nil
}

// ///////////////////////////////////////////////
// Staleness Resolver
// ///////////////////////////////////////////////

// DefaultStaleThreshold is how old a heartbeat may be before the record is
// treated as offline. It is larger than the slowest heartbeat interval
// (5 minutes) plus a write latency allowance.
const DefaultStaleThreshold = 6 * time.Minute

// EffectivePresence resolves the status readers should display for rec at
// time now. A stored offline status, a missing lastSeen, or a lastSeen older
// than threshold all resolve to [Offline]; otherwise the stored status is
// returned unchanged.
func EffectivePresence(rec Record, now time.Time, threshold time.Duration) Status {
	if rec.Status == Offline {
		return Offline
	}
	if rec.LastSeen == 0 {
		return Offline
	}
	if now.UnixMilli()-rec.LastSeen > threshold.Milliseconds() {
		return Offline
	}
	return rec.Status
}

// Resolver binds a stale threshold to [EffectivePresence].
type Resolver struct {
	Threshold time.Duration
}

// NewResolver returns a Resolver, falling back to [DefaultStaleThreshold]
// for non-positive thresholds.
func NewResolver(threshold time.Duration) Resolver {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	return Resolver{Threshold: threshold}
}

// Resolve returns the effective status of rec at now.
func (r Resolver) Resolve(rec Record, now time.Time) Status {
	return EffectivePresence(rec, now, r.Threshold)
}

// Stale reports whether rec has a lastSeen older than the threshold. Records
// without a lastSeen are stale.
func (r Resolver) Stale(rec Record, now time.Time) bool {
	if rec.LastSeen == 0 {
		return true
	}
	return now.UnixMilli()-rec.LastSeen > r.Threshold.Milliseconds()
}
