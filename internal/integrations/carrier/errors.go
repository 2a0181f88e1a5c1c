package carrier

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/BearBump/TrackMail/internal/models"
)

type Kind int

const (
	KindTransient Kind = iota
	KindAuth
	KindRateLimited
	KindNotFound
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindMalformed:
		return "malformed"
	default:
		return "transient"
	}
}

// Error is the only error type courier clients return from CheckStatus and Authenticate.
type Error struct {
	Kind    Kind
	Courier models.Courier
	Err     error
	// Payload holds a truncated copy of the response body when it could not be understood.
	Payload string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Courier.DisplayName(), e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Payload != "" {
		msg += " (payload: " + e.Payload + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, courier models.Courier, err error) *Error {
	return &Error{Kind: kind, Courier: courier, Err: err}
}

// KindOf classifies err; anything that is not an *Error counts as transient.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

func IsAuth(err error) bool {
	return err != nil && KindOf(err) == KindAuth
}
