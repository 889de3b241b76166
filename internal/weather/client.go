// Package weather serves current conditions from QWeather for the site
// owner's fixed location and for each visitor's resolved location.
package weather

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/restatus/internal/upstream"
)

const DefaultBaseURL = "https://devapi.qweather.com"

// Report is one normalized observation.
type Report struct {
	Temp        int    `json:"temp"`
	Condition   string `json:"condition"`
	ConditionZh string `json:"conditionZh"`
	Humidity    string `json:"humidity"`
	Wind        string `json:"wind"`
	FeelsLike   int    `json:"feelsLike"`
	Pressure    string `json:"pressure,omitempty"`
	Vis         string `json:"vis,omitempty"`
	Cloud       string `json:"cloud,omitempty"`
	UpdateTime  string `json:"updateTime,omitempty"`
	City        string `json:"city,omitempty"`
	LocationID  string `json:"locationId,omitempty"`
	Adm1        string `json:"adm1,omitempty"`
	Adm2        string `json:"adm2,omitempty"`
	Country     string `json:"country,omitempty"`
}

// Client calls the QWeather "now" endpoint.
type Client struct {
	apiKey  string
	baseURL string
	http    *upstream.Client
}

// NewClient creates a client.
func NewClient(apiKey, baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    upstream.NewClient("qweather", timeout, logger),
	}
}

type nowResponse struct {
	Code string `json:"code"`
	Now  *struct {
		ObsTime   string `json:"obsTime"`
		Temp      string `json:"temp"`
		FeelsLike string `json:"feelsLike"`
		Text      string `json:"text"`
		WindScale string `json:"windScale"`
		Humidity  string `json:"humidity"`
		Pressure  string `json:"pressure"`
		Vis       string `json:"vis"`
		Cloud     string `json:"cloud"`
	} `json:"now"`
}

// Now returns the current conditions for a QWeather location id or
// "lon,lat" pair.
func (c *Client) Now(ctx context.Context, location string) (Report, error) {
	if c.apiKey == "" {
		return Report{}, upstream.Errorf(upstream.NotConfigured, "qweather api key not configured")
	}
	if location == "" {
		return Report{}, upstream.Errorf(upstream.InvalidInput, "no location")
	}

	q := url.Values{}
	q.Set("location", location)
	q.Set("key", c.apiKey)

	var resp nowResponse
	if err := c.http.GetJSON(ctx, c.baseURL+"/v7/weather/now?"+q.Encode(), nil, &resp); err != nil {
		return Report{}, err
	}
	if err := codeError(resp.Code); err != nil {
		return Report{}, err
	}
	if resp.Now == nil {
		return Report{}, upstream.Errorf(upstream.UpstreamUnavailable, "qweather returned no observation")
	}

	n := resp.Now
	return Report{
		Temp:        atoi(n.Temp),
		Condition:   n.Text,
		ConditionZh: n.Text,
		Humidity:    n.Humidity + "%",
		Wind:        n.WindScale + "级",
		FeelsLike:   atoi(n.FeelsLike),
		Pressure:    n.Pressure,
		Vis:         n.Vis,
		Cloud:       n.Cloud,
		UpdateTime:  n.ObsTime,
	}, nil
}

func codeError(code string) error {
	switch code {
	case "200":
		return nil
	case "401":
		return &upstream.Error{Kind: upstream.Unauthorized, Code: code, Message: "qweather rejected the api key"}
	case "402", "403":
		return &upstream.Error{Kind: upstream.Forbidden, Code: code, Message: "qweather denied access"}
	case "204", "400", "404":
		return &upstream.Error{Kind: upstream.InvalidInput, Code: code, Message: "qweather could not find the location"}
	case "429":
		return &upstream.Error{Kind: upstream.RateLimited, Code: code, Message: "qweather rate limit"}
	default:
		return &upstream.Error{Kind: upstream.UpstreamUnavailable, Code: code, Message: "qweather request failed"}
	}
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
