package carrier

import (
	"context"
	"strings"
)

// Sample is one status observation as the courier reported it.
// RawCode is normalized by the caller; the optional fields are passed through.
type Sample struct {
	RawCode     string
	Description *string
	Location    *string
	ETA         *string
}

type Client interface {
	CheckStatus(ctx context.Context, trackingNumber, service string) (Sample, error)
}

// Authenticator is implemented by clients that need credentials up front.
// Credential-free clients do not implement it.
type Authenticator interface {
	Authenticate(ctx context.Context) error
}

func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Location joins the non-empty parts ("Memphis, TN"); nil when all are empty.
func Location(parts ...string) *string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return StringPtr(strings.Join(out, ", "))
}
