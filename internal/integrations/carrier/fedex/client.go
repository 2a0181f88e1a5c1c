package fedex

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/BearBump/TrackMail/internal/integrations/carrier"
	"github.com/BearBump/TrackMail/internal/integrations/carrier/tokencache"
	"github.com/BearBump/TrackMail/internal/models"
)

const (
	DefaultBaseURL = "https://apis-sandbox.fedex.com"

	tokenPath = "/oauth/token"
	trackPath = "/track/v1/trackingnumbers"
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
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		tokens:   tokens,
		tokenKey: "fedex:" + carrier.Fingerprint(baseURL, cfg.ClientID, cfg.ClientSecret),
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
			return tokencache.Token{}, carrier.TokenError(models.CourierFedEx, err)
		}
		return tokencache.Token{Value: t.AccessToken, Expiry: t.Expiry}, nil
	})
	if err != nil {
		return "", carrier.TokenError(models.CourierFedEx, err)
	}
	return tok, nil
}

type trackRequest struct {
	TrackingInfo         []trackingInfo `json:"trackingInfo"`
	IncludeDetailedScans bool           `json:"includeDetailedScans"`
}

type trackingInfo struct {
	TrackingNumberInfo struct {
		TrackingNumber string `json:"trackingNumber"`
	} `json:"trackingNumberInfo"`
}

type trackResponse struct {
	Output struct {
		CompleteTrackResults []struct {
			TrackResults []trackResult `json:"trackResults"`
		} `json:"completeTrackResults"`
	} `json:"output"`
}

type trackResult struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	LatestStatusDetail *struct {
		Code         string `json:"code"`
		Description  string `json:"description"`
		ScanLocation *struct {
			City                string `json:"city"`
			StateOrProvinceCode string `json:"stateOrProvinceCode"`
		} `json:"scanLocation"`
	} `json:"latestStatusDetail"`
	DateAndTimes []struct {
		Type     string `json:"type"`
		DateTime string `json:"dateTime"`
	} `json:"dateAndTimes"`
}

func (c *Client) CheckStatus(ctx context.Context, trackingNumber, service string) (carrier.Sample, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return carrier.Sample{}, err
	}

	var info trackingInfo
	info.TrackingNumberInfo.TrackingNumber = trackingNumber
	payload, err := json.Marshal(trackRequest{TrackingInfo: []trackingInfo{info}})
	if err != nil {
		return carrier.Sample{}, errors.Wrap(err, "marshal track request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+trackPath, bytes.NewReader(payload))
	if err != nil {
		return carrier.Sample{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-locale", "en_US")

	code, body, err := carrier.Do(c.httpc, models.CourierFedEx, req)
	if err != nil {
		return carrier.Sample{}, err
	}
	if code == http.StatusUnauthorized {
		c.tokens.Invalidate(ctx, c.tokenKey)
		return carrier.Sample{}, carrier.NewError(carrier.KindTransient, models.CourierFedEx, errors.New("token rejected"))
	}
	if code/100 != 2 {
		return carrier.Sample{}, carrier.StatusError(models.CourierFedEx, code, body)
	}

	var rb trackResponse
	if err := carrier.DecodeJSON(models.CourierFedEx, body, &rb); err != nil {
		return carrier.Sample{}, err
	}
	if len(rb.Output.CompleteTrackResults) == 0 || len(rb.Output.CompleteTrackResults[0].TrackResults) == 0 {
		return carrier.Sample{}, carrier.Malformed(models.CourierFedEx, errors.New("no track results"), body)
	}
	tr := rb.Output.CompleteTrackResults[0].TrackResults[0]

	if tr.Error != nil && tr.Error.Code != "" {
		kind := carrier.KindTransient
		if strings.Contains(tr.Error.Code, "NOTFOUND") {
			kind = carrier.KindNotFound
		}
		return carrier.Sample{}, carrier.NewError(kind, models.CourierFedEx, errors.Errorf("%s: %s", tr.Error.Code, tr.Error.Message))
	}
	if tr.LatestStatusDetail == nil || tr.LatestStatusDetail.Code == "" {
		return carrier.Sample{}, carrier.Malformed(models.CourierFedEx, errors.New("missing latest status"), body)
	}

	s := carrier.Sample{
		RawCode:     tr.LatestStatusDetail.Code,
		Description: carrier.StringPtr(tr.LatestStatusDetail.Description),
	}
	if loc := tr.LatestStatusDetail.ScanLocation; loc != nil {
		s.Location = carrier.Location(loc.City, loc.StateOrProvinceCode)
	}
	for _, dt := range tr.DateAndTimes {
		if dt.Type == "ESTIMATED_DELIVERY" {
			s.ETA = carrier.StringPtr(dt.DateTime)
			break
		}
	}
	return s, nil
}
