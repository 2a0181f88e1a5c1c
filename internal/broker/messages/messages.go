package messages

import (
	"time"
)

const (
	TopicMailReceived         = "mail.received"
	TopicPackageStatusChanged = "package.status_changed"
)

// EmailReceived is one fetched email, produced by whatever reads the mailbox.
type EmailReceived struct {
	MessageID string    `json:"message_id,omitempty"`
	UID       uint32    `json:"uid"`
	Subject   string    `json:"subject"`
	From      string    `json:"from"`
	Date      time.Time `json:"date"`
	Body      string    `json:"body"`
}

// PackageStatusChanged is emitted after a new status row was committed.
type PackageStatusChanged struct {
	EventID        string    `json:"event_id"`
	PackageID      uint64    `json:"package_id"`
	TrackingNumber string    `json:"tracking_number"`
	Courier        string    `json:"courier"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status"`
	Description    *string   `json:"description,omitempty"`
	Location       *string   `json:"location,omitempty"`
	ETA            *string   `json:"eta,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}
