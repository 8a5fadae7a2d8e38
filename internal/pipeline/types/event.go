package types

import (
	"time"

	"github.com/google/uuid"
)

// Severity classifies the operational weight of an audit event.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityNotice
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityNotice:
		return "notice"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity parses a severity string. Unknown strings map to info.
func ParseSeverity(s string) Severity {
	switch s {
	case "notice":
		return SeverityNotice
	case "warning", "warn":
		return SeverityWarning
	case "error":
		return SeverityError
	case "critical":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// Event represents a single audit event.
// This is the primary data unit flowing through the ingestion pipeline.
type Event struct {
	// ID is a unique event identifier.
	ID string `json:"id"`

	// Identity
	Tenant   string `json:"tenant"`   // Logical tenant separation (e.g., "prod", "dev")
	Actor    string `json:"actor"`    // Who performed the action
	Action   string `json:"action"`   // What was done (e.g., "user.login")
	Resource string `json:"resource"` // HRN of the affected resource
	Outcome  string `json:"outcome"`  // "success", "denied", "error"

	// Severity of the event.
	Severity Severity `json:"severity"`

	// TimestampMs is the event time as Unix milliseconds.
	TimestampMs int64 `json:"timestamp_ms"`

	// Metadata holds free-form enrichment attributes.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewEvent creates an event with a fresh ID and the current timestamp.
func NewEvent(tenant, actor, action, resource string) Event {
	return Event{
		ID:          uuid.NewString(),
		Tenant:      tenant,
		Actor:       actor,
		Action:      action,
		Resource:    resource,
		Outcome:     "success",
		TimestampMs: time.Now().UnixMilli(),
	}
}

// TimestampTime returns the timestamp as a time.Time.
func (e *Event) TimestampTime() time.Time {
	return time.UnixMilli(e.TimestampMs)
}

// AgeDays returns the event age in whole days relative to now.
func (e *Event) AgeDays(now time.Time) int {
	age := now.Sub(e.TimestampTime())
	if age < 0 {
		return 0
	}
	return int(age.Hours() / 24)
}

// Key returns a unique identifier for this event's stream.
func (e *Event) Key() string {
	return e.Tenant + "/" + e.Resource + "/" + e.Action
}

// Filter defines criteria for querying events.
// Zero values mean "no constraint".
type Filter struct {
	Tenant   string
	Actor    string
	Action   string
	Resource string
	Since    int64 // Unix milliseconds, 0 = no filter
	Until    int64 // Unix milliseconds, 0 = no filter
	Limit    int   // 0 = unlimited
}

// Matches returns true if the event matches the filter.
func (f *Filter) Matches(e *Event) bool {
	if f.Tenant != "" && e.Tenant != f.Tenant {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if f.Since > 0 && e.TimestampMs < f.Since {
		return false
	}
	if f.Until > 0 && e.TimestampMs > f.Until {
		return false
	}
	return true
}

// Batch is a drained view of the batcher queue at flush time.
// A batch is produced once and never re-queued; events preserve their
// insertion order.
type Batch struct {
	// Events in insertion order.
	Events []Event

	// Size is the number of events in the batch.
	Size int

	// Age is the time since the previous flush.
	Age time.Duration

	// CreatedAt is when the batch was drained.
	CreatedAt time.Time
}

// IsEmpty returns true if the batch contains no events.
func (b *Batch) IsEmpty() bool {
	return b.Size == 0
}
