package ups

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/BearBump/TrackMail/internal/integrations/carrier"
	"github.com/BearBump/TrackMail/internal/integrations/carrier/tokencache"
	"github.com/BearBump/TrackMail/internal/models"
)

const (
	DefaultBaseURL = "https://onlinetools.ups.com"

	tokenPath = "/security/v1/oauth/token"
	trackPath = "/api/track/v1/details/"

	transactionSrc = "trackmail"
)

type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	Timeout      time.Duration
}

type Client struct {
	baseURL  string
	creds    *clientcredentials.Config
	tokens   *tokencache.Cache
	tokenKey string
	httpc    *http.Client
}

func New(cfg Config, tokens *tokencache.Cache) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		creds: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     baseURL + tokenPath,
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		tokens:   tokens,
		tokenKey: "ups:" + carrier.Fingerprint(baseURL, cfg.ClientID, cfg.ClientSecret),
		httpc:    carrier.NewHTTPClient(cfg.Timeout),
	}
}

func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.token(ctx)
	return err
}

func (c *Client) token(ctx context.Context) (string, error) {
	tok, err := c.tokens.Token(ctx, c.tokenKey, func(ctx context.Context) (tokencache.Token, error) {
		t, err := c.creds.Token(context.WithValue(ctx, oauth2.HTTPClient, c.httpc))
		if err != nil {
			return tokencache.Token{}, carrier.TokenError(models.CourierUPS, err)
		}
		return tokencache.Token{Value: t.AccessToken, Expiry: t.Expiry}, nil
	})
	if err != nil {
		return "", carrier.TokenError(models.CourierUPS, err)
	}
	return tok, nil
}

type trackResponse struct {
	TrackResponse struct {
		Shipment []struct {
			Package  []pkg `json:"package"`
			Warnings []struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"warnings"`
		} `json:"shipment"`
	} `json:"trackResponse"`
}

type pkg struct {
	CurrentStatus *struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"currentStatus"`
	Activity []struct {
		Location struct {
			Address struct {
				City          string `json:"city"`
				StateProvince string `json:"stateProvince"`
				Country       string `json:"country"`
			} `json:"address"`
		} `json:"location"`
	} `json:"activity"`
	DeliveryDate []struct {
		Type string `json:"type"`
		Date string `json:"date"`
	} `json:"deliveryDate"`
}

func (c *Client) CheckStatus(ctx context.Context, trackingNumber, service string) (carrier.Sample, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return carrier.Sample{}, err
	}

	u := c.baseURL + trackPath + url.PathEscape(trackingNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return carrier.Sample{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("transId", uuid.NewString())
	req.Header.Set("transactionSrc", transactionSrc)
	req.Header.Set("Accept", "application/json")

	code, body, err := carrier.Do(c.httpc, models.CourierUPS, req)
	if err != nil {
		return carrier.Sample{}, err
	}
	if code == http.StatusUnauthorized {
		c.tokens.Invalidate(ctx, c.tokenKey)
		return carrier.Sample{}, carrier.NewError(carrier.KindTransient, models.CourierUPS, errors.New("token rejected"))
	}
	if code/100 != 2 {
		return carrier.Sample{}, carrier.StatusError(models.CourierUPS, code, body)
	}

	var rb trackResponse
	if err := carrier.DecodeJSON(models.CourierUPS, body, &rb); err != nil {
		return carrier.Sample{}, err
	}
	shipments := rb.TrackResponse.Shipment
	if len(shipments) == 0 {
		return carrier.Sample{}, carrier.Malformed(models.CourierUPS, errors.New("no shipment"), body)
	}
	if len(shipments[0].Package) == 0 {
		if len(shipments[0].Warnings) > 0 {
			w := shipments[0].Warnings[0]
			return carrier.Sample{}, carrier.NewError(carrier.KindNotFound, models.CourierUPS, errors.Errorf("%s: %s", w.Code, w.Message))
		}
		return carrier.Sample{}, carrier.Malformed(models.CourierUPS, errors.New("no package"), body)
	}

	p := shipments[0].Package[0]
	if p.CurrentStatus == nil {
		return carrier.Sample{}, carrier.Malformed(models.CourierUPS, errors.New("missing current status"), body)
	}
	// status type (D, I, M, P, X) is what the normalizer understands; older payloads only carry code
	raw := p.CurrentStatus.Type
	if raw == "" {
		raw = p.CurrentStatus.Code
	}
	if raw == "" {
		return carrier.Sample{}, carrier.Malformed(models.CourierUPS, errors.New("empty status code"), body)
	}

	s := carrier.Sample{
		RawCode:     raw,
		Description: carrier.StringPtr(p.CurrentStatus.Description),
	}
	if len(p.Activity) > 0 {
		a := p.Activity[0].Location.Address
		s.Location = carrier.Location(a.City, a.StateProvince, a.Country)
	}
	if len(p.DeliveryDate) > 0 {
		s.ETA = carrier.StringPtr(p.DeliveryDate[0].Date)
	}
	return s, nil
}
