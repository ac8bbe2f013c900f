package model

import (
	"strings"
	"time"
)

// TrackedTarget is a registry record. Several records may share a Name and
// are then told apart by Annotation.
type TrackedTarget struct {
	ID              string     `json:"id" yaml:"-"`
	Name            string     `json:"name" yaml:"name"`
	Annotation      string     `json:"annotation,omitempty" yaml:"note,omitempty"`
	Location        string     `json:"location" yaml:"location"`
	Enabled         bool       `json:"enabled" yaml:"enabled"`
	KillCount       int        `json:"kill_count" yaml:"kill_count,omitempty"`
	LastKilledAt    *time.Time `json:"last_killed_at,omitempty" yaml:"-"`
	LastKilledStamp string     `json:"last_killed_timestamp,omitempty" yaml:"-"`
	RespawnHours    *float64   `json:"respawn_hours,omitempty" yaml:"respawn_hours,omitempty"`
}

// TargetID derives the stable registry identity for a name/annotation pair.
func TargetID(name, annotation string) string {
	return TargetKey(name) + "|" + strings.ToLower(strings.TrimSpace(annotation))
}

// IsLockout reports whether the record tracks the lockout category.
func (t TrackedTarget) IsLockout() bool {
	return t.Location == LockoutCategory
}

// Display renders "Name (Annotation)" or just the name.
func (t TrackedTarget) Display() string {
	if a := strings.TrimSpace(t.Annotation); a != "" {
		return t.Name + " (" + a + ")"
	}
	return t.Name
}

// NextRespawn returns when the target is expected back, if both a kill time
// and a respawn interval are known.
func (t TrackedTarget) NextRespawn() (time.Time, bool) {
	if t.LastKilledAt == nil || t.RespawnHours == nil {
		return time.Time{}, false
	}
	d := time.Duration(*t.RespawnHours * float64(time.Hour))
	return t.LastKilledAt.Add(d), true
}
