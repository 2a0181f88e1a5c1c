package usps

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/TrackMail/internal/integrations/carrier"
	"github.com/BearBump/TrackMail/internal/integrations/carrier/tokencache"
	"github.com/BearBump/TrackMail/internal/models"
)

const (
	DefaultBaseURL = "https://apis.usps.com"

	tokenPath = "/oauth2/v3/token"
	trackPath = "/tracking/v3/tracking/"
)

type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	Timeout      time.Duration
}

// Client talks to USPS APIs v3. The token endpoint takes a JSON body,
// which the standard oauth2 client-credentials flow does not send.
type Client struct {
	cfg      Config
	baseURL  string
	tokens   *tokencache.Cache
	tokenKey string
	httpc    *http.Client
	now      func() time.Time
}

func New(cfg Config, tokens *tokencache.Cache) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		cfg:      cfg,
		baseURL:  baseURL,
		tokens:   tokens,
		tokenKey: "usps:" + carrier.Fingerprint(baseURL, cfg.ClientID, cfg.ClientSecret),
		httpc:    carrier.NewHTTPClient(cfg.Timeout),
		now:      time.Now,
	}
}

func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.token(ctx)
	return err
}

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

func (c *Client) token(ctx context.Context) (string, error) {
	tok, err := c.tokens.Token(ctx, c.tokenKey, c.fetchToken)
	if err != nil {
		return "", carrier.TokenError(models.CourierUSPS, err)
	}
	return tok, nil
}

func (c *Client) fetchToken(ctx context.Context) (tokencache.Token, error) {
	payload, err := json.Marshal(tokenRequest{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		GrantType:    "client_credentials",
	})
	if err != nil {
		return tokencache.Token{}, errors.Wrap(err, "marshal token request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, bytes.NewReader(payload))
	if err != nil {
		return tokencache.Token{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")

	code, body, err := carrier.Do(c.httpc, models.CourierUSPS, req)
	if err != nil {
		return tokencache.Token{}, err
	}
	if code/100 != 2 {
		return tokencache.Token{}, carrier.TokenStatusError(models.CourierUSPS, code, body)
	}

	var tr tokenResponse
	if err := carrier.DecodeJSON(models.CourierUSPS, body, &tr); err != nil {
		return tokencache.Token{}, err
	}
	if tr.AccessToken == "" {
		return tokencache.Token{}, carrier.Malformed(models.CourierUSPS, errors.New("missing access_token"), body)
	}
	tok := tokencache.Token{Value: tr.AccessToken}
	if secs, err := tr.ExpiresIn.Int64(); err == nil && secs > 0 {
		tok.Expiry = c.now().Add(time.Duration(secs) * time.Second)
	}
	return tok, nil
}

type trackResponse struct {
	StatusCategory       string `json:"statusCategory"`
	Status               string `json:"status"`
	StatusSummary        string `json:"statusSummary"`
	ExpectedDeliveryDate string `json:"expectedDeliveryDate"`
	TrackingEvents       []struct {
		EventCity    string `json:"eventCity"`
		EventState   string `json:"eventState"`
		EventCountry string `json:"eventCountry"`
	} `json:"trackingEvents"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) CheckStatus(ctx context.Context, trackingNumber, service string) (carrier.Sample, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return carrier.Sample{}, err
	}

	u := c.baseURL + trackPath + url.PathEscape(trackingNumber) + "?expand=DETAIL"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return carrier.Sample{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")

	code, body, err := carrier.Do(c.httpc, models.CourierUSPS, req)
	if err != nil {
		return carrier.Sample{}, err
	}
	if code == http.StatusUnauthorized {
		c.tokens.Invalidate(ctx, c.tokenKey)
		return carrier.Sample{}, carrier.NewError(carrier.KindTransient, models.CourierUSPS, errors.New("token rejected"))
	}

	var rb trackResponse
	decodeErr := carrier.DecodeJSON(models.CourierUSPS, body, &rb)
	if decodeErr == nil && rb.Error != nil && isNotFound(code, rb.Error) {
		return carrier.Sample{}, carrier.NewError(carrier.KindNotFound, models.CourierUSPS, errors.Errorf("%s: %s", rb.Error.Code, rb.Error.Message))
	}
	if code/100 != 2 {
		return carrier.Sample{}, carrier.StatusError(models.CourierUSPS, code, body)
	}
	if decodeErr != nil {
		return carrier.Sample{}, decodeErr
	}
	if rb.Error != nil {
		return carrier.Sample{}, carrier.Malformed(models.CourierUSPS, errors.Errorf("%s: %s", rb.Error.Code, rb.Error.Message), body)
	}
	if rb.StatusCategory == "" {
		return carrier.Sample{}, carrier.Malformed(models.CourierUSPS, errors.New("missing statusCategory"), body)
	}

	desc := rb.Status
	if desc == "" {
		desc = rb.StatusSummary
	}
	s := carrier.Sample{
		RawCode:     rb.StatusCategory,
		Description: carrier.StringPtr(desc),
		ETA:         carrier.StringPtr(rb.ExpectedDeliveryDate),
	}
	if len(rb.TrackingEvents) > 0 {
		e := rb.TrackingEvents[0]
		s.Location = carrier.Location(e.EventCity, e.EventState, e.EventCountry)
	}
	return s, nil
}

func isNotFound(code int, e *apiError) bool {
	if code == http.StatusNotFound || e.Code == "404" {
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "not found")
}
