package geo

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/restatus/internal/cache"
	"github.com/goodtune/restatus/internal/upstream"
)

const (
	DefaultGeoBaseURL      = "https://geoapi.qweather.com"
	DefaultFallbackBaseURL = "https://api.ip.sb"

	cacheSize = 500
	cacheTTL  = 24 * time.Hour

	unknownCity = "未知"
)

// Location is a resolved place.
type Location struct {
	LocationID string `json:"locationId"`
	City       string `json:"city"`
	Adm1       string `json:"adm1"`
	Adm2       string `json:"adm2"`
	Country    string `json:"country"`
}

// Options configures a Resolver.
type Options struct {
	APIKey          string
	GeoBaseURL      string
	FallbackBaseURL string
	Timeout         time.Duration
	FallbackTimeout time.Duration
	Clock           cache.Clock
}

// Resolver looks up locations through the QWeather geo API, falling back
// to ip.sb coordinates for IPs the primary cannot place.
type Resolver struct {
	apiKey       string
	geoBase      string
	fallbackBase string
	primary      *upstream.Client
	fallback     *upstream.Client
	cache        *cache.Cache[Location]
	logger       zerolog.Logger
}

// NewResolver creates a resolver. Without an API key every lookup is absent.
func NewResolver(opts Options, logger zerolog.Logger) *Resolver {
	if opts.GeoBaseURL == "" {
		opts.GeoBaseURL = DefaultGeoBaseURL
	}
	if opts.FallbackBaseURL == "" {
		opts.FallbackBaseURL = DefaultFallbackBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.FallbackTimeout <= 0 {
		opts.FallbackTimeout = 8 * time.Second
	}

	logger = logger.With().Str("component", "geo").Logger()

	return &Resolver{
		apiKey:       opts.APIKey,
		geoBase:      opts.GeoBaseURL,
		fallbackBase: opts.FallbackBaseURL,
		primary:      upstream.NewClient("qweather-geo", opts.Timeout, logger),
		fallback:     upstream.NewClient("ipsb", opts.FallbackTimeout, logger),
		cache:        cache.MustNew[Location]("geo", cacheSize, cacheTTL, opts.Clock),
		logger:       logger,
	}
}

// ResolveByIP places a public IP address. Private addresses and failed
// lookups are absent; failures are not cached.
func (r *Resolver) ResolveByIP(ctx context.Context, ip string) (Location, bool) {
	if r.apiKey == "" {
		return Location{}, false
	}
	if IsPrivate(ip) {
		r.logger.Debug().Str("ip", ip).Msg("Skipping private address")
		return Location{}, false
	}

	key := "ip_" + ip
	if loc, ok := r.cache.Get(key); ok {
		return loc, true
	}

	loc, err := r.lookup(ctx, ip)
	if err != nil {
		r.logger.Warn().Err(err).Str("ip", ip).Msg("Primary IP lookup failed, trying fallback")

		lat, lon, ferr := r.fallbackCoords(ctx, ip)
		if ferr != nil {
			r.logger.Warn().Err(ferr).Str("ip", ip).Msg("Fallback IP lookup failed")
			return Location{}, false
		}

		loc, err = r.lookup(ctx, coordQuery(lat, lon))
		if err != nil {
			r.logger.Warn().Err(err).Str("ip", ip).Msg("Reverse lookup of fallback coordinates failed")
			return Location{}, false
		}
	}

	r.cache.Set(key, loc)
	r.logger.Debug().Str("ip", ip).Str("city", loc.City).Msg("Resolved IP")
	return loc, true
}

// ResolveByCoords places a latitude/longitude pair.
func (r *Resolver) ResolveByCoords(ctx context.Context, lat, lon float64) (Location, bool) {
	if r.apiKey == "" || !ValidCoords(lat, lon) {
		return Location{}, false
	}

	key := fmt.Sprintf("coord_%.2f_%.2f", lat, lon)
	if loc, ok := r.cache.Get(key); ok {
		return loc, true
	}

	loc, err := r.lookup(ctx, coordQuery(lat, lon))
	if err != nil {
		r.logger.Warn().Err(err).Float64("lat", lat).Float64("lon", lon).Msg("Coordinate lookup failed")
		return Location{}, false
	}

	r.cache.Set(key, loc)
	return loc, true
}

// ValidCoords reports whether lat/lon is a usable coordinate pair.
func ValidCoords(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// coordQuery formats coordinates the way QWeather expects: longitude first.
func coordQuery(lat, lon float64) string {
	return strconv.FormatFloat(lon, 'f', -1, 64) + "," + strconv.FormatFloat(lat, 'f', -1, 64)
}

type cityLookupResponse struct {
	Code     string `json:"code"`
	Location []struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Adm1    string `json:"adm1"`
		Adm2    string `json:"adm2"`
		Country string `json:"country"`
	} `json:"location"`
}

func (r *Resolver) lookup(ctx context.Context, location string) (Location, error) {
	q := url.Values{}
	q.Set("location", location)
	q.Set("key", r.apiKey)

	var resp cityLookupResponse
	if err := r.primary.GetJSON(ctx, r.geoBase+"/v2/city/lookup?"+q.Encode(), nil, &resp); err != nil {
		return Location{}, err
	}
	if resp.Code != "200" || len(resp.Location) == 0 {
		return Location{}, &upstream.Error{Kind: upstream.UpstreamUnavailable, Code: resp.Code, Message: "city lookup returned no location"}
	}

	l := resp.Location[0]
	return Location{
		LocationID: l.ID,
		City:       cityName(l.Adm2, l.Adm1, l.Name, l.Country),
		Adm1:       l.Adm1,
		Adm2:       l.Adm2,
		Country:    l.Country,
	}, nil
}

func cityName(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return unknownCity
}

type ipsbResponse struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (r *Resolver) fallbackCoords(ctx context.Context, ip string) (float64, float64, error) {
	headers := http.Header{}
	headers.Set("Accept", "application/json")

	var resp ipsbResponse
	if err := r.fallback.GetJSON(ctx, r.fallbackBase+"/geoip/"+url.PathEscape(ip), headers, &resp); err != nil {
		return 0, 0, err
	}
	if resp.Latitude == 0 && resp.Longitude == 0 {
		return 0, 0, upstream.Errorf(upstream.UpstreamUnavailable, "ip.sb returned no coordinates for %s", ip)
	}
	return resp.Latitude, resp.Longitude, nil
}
