package models

import (
	"fmt"
	"strings"
	"time"
)

// Courier is the closed set of supported delivery providers.
type Courier string

const (
	CourierFedEx Courier = "FEDEX"
	CourierUPS   Courier = "UPS"
	CourierUSPS  Courier = "USPS"
)

// Couriers returns every supported courier in a stable order.
func Couriers() []Courier {
	return []Courier{CourierFedEx, CourierUPS, CourierUSPS}
}

func ParseCourier(s string) (Courier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FEDEX":
		return CourierFedEx, nil
	case "UPS":
		return CourierUPS, nil
	case "USPS":
		return CourierUSPS, nil
	default:
		return "", fmt.Errorf("unknown courier %q", s)
	}
}

// DisplayName is the human form used in logs and service names.
func (c Courier) DisplayName() string {
	switch c {
	case CourierFedEx:
		return "FedEx"
	case CourierUPS:
		return "UPS"
	case CourierUSPS:
		return "USPS"
	default:
		return string(c)
	}
}

// Status is the canonical package lifecycle state.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusInTransit Status = "in_transit"
	StatusDelivered Status = "delivered"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusWaiting, StatusInTransit, StatusDelivered:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown package status %q", s)
	}
}

func (s Status) Terminal() bool {
	return s == StatusDelivered
}

type Package struct {
	ID                 uint64    `json:"id"`
	TrackingNumber     string    `json:"tracking_number"`
	Courier            Courier   `json:"courier"`
	Service            string    `json:"service"`
	SourceEmailUID     uint32    `json:"source_email_uid"`
	SourceEmailSubject *string   `json:"source_email_subject,omitempty"`
	SourceEmailFrom    *string   `json:"source_email_from,omitempty"`
	SourceEmailDate    time.Time `json:"source_email_date"`
	CreatedAt          time.Time `json:"created_at"`

	// Latest is filled by read queries; nil when the package was never checked.
	Latest *StatusEvent `json:"latest,omitempty"`
}

// CurrentStatus is the status of the latest event, waiting when there is none.
func (p *Package) CurrentStatus() Status {
	if p.Latest == nil {
		return StatusWaiting
	}
	return p.Latest.Status
}

type StatusEvent struct {
	ID                uint64    `json:"id"`
	PackageID         uint64    `json:"package_id"`
	Status            Status    `json:"status"`
	Description       *string   `json:"description,omitempty"`
	LastKnownLocation *string   `json:"last_known_location,omitempty"`
	EstimatedArrival  *string   `json:"estimated_arrival,omitempty"`
	CheckedAt         time.Time `json:"checked_at"`
}

type NewPackage struct {
	TrackingNumber     string
	Courier            Courier
	Service            string
	SourceEmailUID     uint32
	SourceEmailSubject *string
	SourceEmailFrom    *string
	SourceEmailDate    time.Time
}

type StatusEventInput struct {
	PackageID         uint64
	Status            Status
	Description       *string
	LastKnownLocation *string
	EstimatedArrival  *string
	CheckedAt         time.Time
}

// Email is one record handed over by the mailbox collector.
type Email struct {
	UID     uint32
	Subject string
	From    string
	Date    time.Time
	Body    string
}

// SameDescription compares two optional descriptions by value.
func SameDescription(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
