package model

import "time"

// Envelope is a formatted notification waiting on the delivery queue.
type Envelope struct {
	TargetID    string    `json:"target_id"`
	Target      string    `json:"target"`
	Message     string    `json:"message"`
	Destination string    `json:"-"`
	Event       KillEvent `json:"event"`
	QueuedAt    time.Time `json:"queued_at"`
}
