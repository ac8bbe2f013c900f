package model

import "time"

// Status is the reason code attached to every audited kill decision.
type Status string

const (
	StatusPosted            Status = "posted"
	StatusDelivered         Status = "delivered"
	StatusDeliveryFailed    Status = "delivery_failed"
	StatusExactDuplicate    Status = "duplicate_exact"
	StatusWindowDuplicate   Status = "duplicate_window"
	StatusBufferedDuplicate Status = "duplicate_buffered"
	StatusCooldown          Status = "duplicate_cooldown"
	StatusLocationMismatch  Status = "location_mismatch"
	StatusCancelled         Status = "cancelled"
	StatusDisabled          Status = "disabled"
	StatusNewTarget         Status = "new_target"
	StatusNoDestination     Status = "no_destination"
	StatusQueueFull         Status = "queue_full"
	StatusError             Status = "error"
)

// IsDuplicate reports whether the status is one of the duplicate outcomes.
func (s Status) IsDuplicate() bool {
	switch s {
	case StatusExactDuplicate, StatusWindowDuplicate, StatusBufferedDuplicate, StatusCooldown:
		return true
	}
	return false
}

// Activity is one entry of the audit trail.
type Activity struct {
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Posted     bool      `json:"posted"`
	Event      KillEvent `json:"event"`
	Annotation string    `json:"annotation,omitempty"`
	Message    string    `json:"message,omitempty"`
}
