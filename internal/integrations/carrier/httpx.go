package carrier

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/BearBump/TrackMail/internal/models"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

const (
	maxBody    = 1 << 20
	maxPayload = 512

	DefaultTimeout = 15 * time.Second
)

func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// Do sends req and reads at most 1 MiB of the response body.
// Transport failures come back as transient errors.
func Do(httpc *http.Client, courier models.Courier, req *http.Request) (int, []byte, error) {
	resp, err := httpc.Do(req)
	if err != nil {
		return 0, nil, NewError(KindTransient, courier, errors.Wrap(err, "do request"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, nil, NewError(KindTransient, courier, errors.Wrap(err, "read body"))
	}
	return resp.StatusCode, body, nil
}

// StatusError classifies a non-2xx answer of a tracking endpoint.
// 401 is left to the caller, which owns the token to invalidate.
func StatusError(courier models.Courier, code int, body []byte) *Error {
	kind := KindTransient
	switch {
	case code == http.StatusTooManyRequests:
		kind = KindRateLimited
	case code == http.StatusNotFound:
		kind = KindNotFound
	}
	return &Error{
		Kind:    kind,
		Courier: courier,
		Err:     errors.Errorf("http %d", code),
		Payload: Truncate(body),
	}
}

// TokenStatusError classifies a non-2xx answer of a token endpoint.
func TokenStatusError(courier models.Courier, code int, body []byte) *Error {
	kind := KindTransient
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		kind = KindAuth
	case http.StatusTooManyRequests:
		kind = KindRateLimited
	}
	return &Error{
		Kind:    kind,
		Courier: courier,
		Err:     errors.Errorf("token endpoint http %d", code),
		Payload: Truncate(body),
	}
}

// TokenError classifies an error returned by an oauth2 token source.
func TokenError(courier models.Courier, err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return TokenStatusError(courier, re.Response.StatusCode, re.Body)
	}
	return NewError(KindTransient, courier, errors.Wrap(err, "fetch token"))
}

func Malformed(courier models.Courier, err error, body []byte) *Error {
	return &Error{Kind: KindMalformed, Courier: courier, Err: err, Payload: Truncate(body)}
}

// DecodeJSON unmarshals body into v or reports it as malformed.
func DecodeJSON(courier models.Courier, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return Malformed(courier, errors.Wrap(err, "decode"), body)
	}
	return nil
}

func Truncate(b []byte) string {
	if len(b) <= maxPayload {
		return string(b)
	}
	return string(b[:maxPayload]) + "..."
}
