// Package upsweb looks packages up through the public ups.com tracking page API.
// It needs no credentials and is used when no UPS developer account is configured.
package upsweb

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/TrackMail/internal/integrations/carrier"
	"github.com/BearBump/TrackMail/internal/models"
)

const (
	DefaultBaseURL = "https://www.ups.com"

	statusPath = "/track/api/Track/GetStatus?loc=en_US"
	userAgent  = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

type Client struct {
	baseURL string
	httpc   *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{baseURL: baseURL, httpc: carrier.NewHTTPClient(timeout)}
}

type statusRequest struct {
	Locale         string   `json:"Locale"`
	TrackingNumber []string `json:"TrackingNumber"`
}

type statusResponse struct {
	StatusCode   string        `json:"statusCode"`
	StatusText   string        `json:"statusText"`
	TrackDetails []trackDetail `json:"trackDetails"`
}

type trackDetail struct {
	ErrorCode             string          `json:"errorCode"`
	ErrorText             string          `json:"errorText"`
	PackageStatusType     string          `json:"packageStatusType"`
	PackageStatus         string          `json:"packageStatus"`
	LastLocation          json.RawMessage `json:"lastLocation"`
	ScheduledDeliveryDate string          `json:"scheduledDeliveryDate"`
}

func (c *Client) CheckStatus(ctx context.Context, trackingNumber, service string) (carrier.Sample, error) {
	payload, err := json.Marshal(statusRequest{Locale: "en_US", TrackingNumber: []string{trackingNumber}})
	if err != nil {
		return carrier.Sample{}, errors.Wrap(err, "marshal status request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+statusPath, bytes.NewReader(payload))
	if err != nil {
		return carrier.Sample{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	code, body, err := carrier.Do(c.httpc, models.CourierUPS, req)
	if err != nil {
		return carrier.Sample{}, err
	}
	if code/100 != 2 {
		return carrier.Sample{}, carrier.StatusError(models.CourierUPS, code, body)
	}

	var rb statusResponse
	if err := carrier.DecodeJSON(models.CourierUPS, body, &rb); err != nil {
		return carrier.Sample{}, err
	}
	if len(rb.TrackDetails) == 0 {
		return carrier.Sample{}, carrier.NewError(carrier.KindNotFound, models.CourierUPS, errors.Errorf("no track details (%s)", rb.StatusText))
	}
	d := rb.TrackDetails[0]
	if d.ErrorCode != "" {
		return carrier.Sample{}, carrier.NewError(carrier.KindNotFound, models.CourierUPS, errors.Errorf("%s: %s", d.ErrorCode, d.ErrorText))
	}
	if d.PackageStatusType == "" {
		return carrier.Sample{}, carrier.Malformed(models.CourierUPS, errors.New("missing package status type"), body)
	}

	return carrier.Sample{
		RawCode:     d.PackageStatusType,
		Description: carrier.StringPtr(d.PackageStatus),
		Location:    lastLocation(d.LastLocation),
		ETA:         carrier.StringPtr(d.ScheduledDeliveryDate),
	}, nil
}

// lastLocation accepts both the plain string and the address object form.
func lastLocation(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return carrier.Location(s)
	}
	var addr struct {
		City    string `json:"city"`
		State   string `json:"state"`
		Country string `json:"country"`
	}
	if json.Unmarshal(raw, &addr) == nil {
		return carrier.Location(addr.City, addr.State, addr.Country)
	}
	return nil
}
