package model

import (
	"strings"
	"time"
)

// LockoutCategory is the reserved location used for kills derived from lockout
// messages. It is a category, not a zone.
const LockoutCategory = "Lockouts"

const (
	// TimestampLayout renders log timestamps, e.g. "Sat Feb 07 12:00:00 2026".
	TimestampLayout = "Mon Jan 02 15:04:05 2006"
	// timestampParseLayout also accepts unpadded days.
	timestampParseLayout = "Mon Jan _2 15:04:05 2006"
)

// SourceKind identifies which grammar produced a KillEvent.
type SourceKind int

const (
	SourceZone SourceKind = iota
	SourceLockout
)

func (k SourceKind) String() string {
	switch k {
	case SourceLockout:
		return "lockout"
	default:
		return "zone"
	}
}

// MarshalText lets SourceKind appear as a word in JSON.
func (k SourceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *SourceKind) UnmarshalText(b []byte) error {
	if string(b) == "lockout" {
		*k = SourceLockout
	} else {
		*k = SourceZone
	}
	return nil
}

// KillEvent is a kill candidate extracted from a single log line.
// Lockout events never carry reporter, actor or group and always use
// LockoutCategory as their location.
type KillEvent struct {
	Timestamp  string     `json:"timestamp"`
	Kind       SourceKind `json:"kind"`
	Target     string     `json:"target"`
	Location   string     `json:"location"`
	Reporter   string     `json:"reporter,omitempty"`
	Actor      string     `json:"actor,omitempty"`
	ActorGroup string     `json:"actor_group,omitempty"`
	Line       string     `json:"line,omitempty"`
	Source     string     `json:"source,omitempty"`
}

// KillKey identifies a kill independently of the line that reported it.
type KillKey struct {
	Timestamp string `json:"timestamp"`
	Target    string `json:"target"`
}

// Key returns the exact-duplicate key of the event.
func (e KillEvent) Key() KillKey {
	return KillKey{Timestamp: e.Timestamp, Target: TargetKey(e.Target)}
}

// TargetKey returns the case-insensitive key for the event's target.
func (e KillEvent) TargetKey() string {
	return TargetKey(e.Target)
}

// IsLockout reports whether the event belongs to the lockout category.
func (e KillEvent) IsLockout() bool {
	return e.Location == LockoutCategory
}

// Time parses the event timestamp. The result carries no zone; callers that
// need an absolute instant should use ParseTimestampIn.
func (e KillEvent) Time() (time.Time, error) {
	return ParseTimestamp(e.Timestamp)
}

// TargetKey normalizes a target name for map keys.
func TargetKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ParseTimestamp parses a log timestamp as UTC wall time.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(timestampParseLayout, strings.TrimSpace(s))
}

// ParseTimestampIn parses a log timestamp as wall time in loc.
func ParseTimestampIn(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(timestampParseLayout, strings.TrimSpace(s), loc)
}

// FormatTimestamp renders t the way the game client writes it.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}
