package weather

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/restatus/internal/cache"
	"github.com/goodtune/restatus/internal/geo"
	"github.com/goodtune/restatus/internal/upstream"
)

// Stable error codes the dashboard renders guidance from.
const (
	CodeAPINotConfigured  = "API_NOT_CONFIGURED"
	CodeCityNotConfigured = "CITY_NOT_CONFIGURED"
	CodeConfigError       = "CONFIG_ERROR"
	CodeFetchError        = "FETCH_ERROR"
)

const unknownCity = "未知"

// Error is a weather failure with its dashboard error code.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fetchError(err error) *Error {
	switch upstream.KindOf(err) {
	case upstream.NotConfigured:
		return &Error{Code: CodeAPINotConfigured, Message: "weather api key not configured", Err: err}
	case upstream.Unauthorized, upstream.Forbidden, upstream.InvalidInput:
		return &Error{Code: CodeConfigError, Message: "weather api key or location rejected", Err: err}
	default:
		return &Error{Code: CodeFetchError, Message: "failed to fetch weather", Err: err}
	}
}

// Locator resolves visitor locations.
type Locator interface {
	ResolveByIP(ctx context.Context, ip string) (geo.Location, bool)
	ResolveByCoords(ctx context.Context, lat, lon float64) (geo.Location, bool)
}

// Query identifies the visitor asking for weather.
type Query struct {
	IP        string
	Lat, Lon  float64
	HasCoords bool
}

// Combined is the owner/visitor response. The flattened fields repeat the
// primary report (visitor when known, else owner).
type Combined struct {
	Owner       *Report `json:"owner"`
	Visitor     *Report `json:"visitor"`
	Temp        int     `json:"temp"`
	Condition   string  `json:"condition"`
	ConditionZh string  `json:"conditionZh"`
	Humidity    string  `json:"humidity"`
	Wind        string  `json:"wind"`
	FeelsLike   int     `json:"feelsLike"`
	City        string  `json:"city"`
	LocationID  string  `json:"locationId"`
}

// Options configures a Service.
type Options struct {
	Enabled           bool
	APIKey            string
	City              string
	OwnerLocationID   string
	OwnerLocationName string
	BaseURL           string
	Timeout           time.Duration
	Clock             cache.Clock
}

// Service answers weather requests. With an owner location configured it
// reports both the owner's and the visitor's weather; otherwise it serves
// a single site-wide report.
type Service struct {
	opts    Options
	client  *Client
	locator Locator
	logger  zerolog.Logger

	owner   *cache.Cache[Report]
	visitor *cache.Cache[Report]
	site    *cache.Cache[Report]
}

// NewService creates a service.
func NewService(opts Options, locator Locator, logger zerolog.Logger) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	logger = logger.With().Str("component", "weather").Logger()

	return &Service{
		opts:    opts,
		client:  NewClient(opts.APIKey, opts.BaseURL, opts.Timeout, logger),
		locator: locator,
		logger:  logger,
		owner:   cache.MustNew[Report]("weather_owner", 1, 30*time.Minute, opts.Clock),
		visitor: cache.MustNew[Report]("weather_visitor", 100, 60*time.Minute, opts.Clock),
		site:    cache.MustNew[Report]("weather_site", 1, 30*time.Minute, opts.Clock),
	}
}

// OwnerMode reports whether the owner/visitor model is active.
func (s *Service) OwnerMode() bool {
	return s.opts.OwnerLocationID != ""
}

// Get returns *Combined in owner mode or Report in legacy mode.
func (s *Service) Get(ctx context.Context, q Query) (any, error) {
	if !s.opts.Enabled || s.opts.APIKey == "" {
		return nil, &Error{Code: CodeAPINotConfigured, Message: "weather api key not configured"}
	}
	if s.OwnerMode() {
		return s.combined(ctx, q)
	}
	return s.legacy(ctx, q)
}

func (s *Service) combined(ctx context.Context, q Query) (*Combined, error) {
	var (
		wg       sync.WaitGroup
		owner    *Report
		ownerErr error
		visitor  *Report
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		r, err := s.Owner(ctx)
		if err != nil {
			ownerErr = err
			s.logger.Warn().Err(err).Msg("Owner weather unavailable")
			return
		}
		owner = &r
	}()
	go func() {
		defer wg.Done()
		if r, ok := s.Visitor(ctx, q); ok {
			visitor = &r
		}
	}()
	wg.Wait()

	primary := visitor
	if primary == nil {
		primary = owner
	}
	if primary == nil {
		if ownerErr != nil {
			return nil, fetchError(ownerErr)
		}
		return nil, &Error{Code: CodeCityNotConfigured, Message: "no weather location available"}
	}

	city := primary.City
	if city == "" {
		city = unknownCity
	}

	return &Combined{
		Owner:       owner,
		Visitor:     visitor,
		Temp:        primary.Temp,
		Condition:   primary.Condition,
		ConditionZh: primary.ConditionZh,
		Humidity:    primary.Humidity,
		Wind:        primary.Wind,
		FeelsLike:   primary.FeelsLike,
		City:        city,
		LocationID:  primary.LocationID,
	}, nil
}

// Owner returns the weather at the configured owner location.
func (s *Service) Owner(ctx context.Context) (Report, error) {
	return upstream.ReadThrough(ctx, s.owner, "owner_weather", s.logger, func(ctx context.Context) (Report, error) {
		r, err := s.client.Now(ctx, s.opts.OwnerLocationID)
		if err != nil {
			return Report{}, err
		}
		r.LocationID = s.opts.OwnerLocationID
		r.City = s.opts.OwnerLocationName
		return r, nil
	})
}

// Visitor returns the weather where the visitor is. Coordinates are tried
// first, then the client IP. Absence is normal.
func (s *Service) Visitor(ctx context.Context, q Query) (Report, bool) {
	key := "visitor_" + q.IP
	if q.HasCoords {
		key = fmt.Sprintf("visitor_%.2f_%.2f", q.Lat, q.Lon)
	}
	if r, ok := s.visitor.Get(key); ok {
		return r, true
	}

	loc, ok := s.locate(ctx, q)
	if !ok {
		return Report{}, false
	}

	r, err := upstream.ReadThrough(ctx, s.visitor, key, s.logger, func(ctx context.Context) (Report, error) {
		r, err := s.client.Now(ctx, loc.LocationID)
		if err != nil {
			return Report{}, err
		}
		r.LocationID = loc.LocationID
		r.City = loc.City
		r.Adm1 = loc.Adm1
		r.Adm2 = loc.Adm2
		r.Country = loc.Country
		return r, nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("location", loc.LocationID).Msg("Visitor weather unavailable")
		return Report{}, false
	}
	return r, true
}

func (s *Service) locate(ctx context.Context, q Query) (geo.Location, bool) {
	if s.locator == nil {
		return geo.Location{}, false
	}
	if q.HasCoords {
		if loc, ok := s.locator.ResolveByCoords(ctx, q.Lat, q.Lon); ok {
			return loc, true
		}
	}
	if q.IP == "" {
		return geo.Location{}, false
	}
	return s.locator.ResolveByIP(ctx, q.IP)
}

func (s *Service) legacy(ctx context.Context, q Query) (Report, error) {
	if r, ok := s.site.Get("site_weather"); ok {
		return r, nil
	}

	location, city := s.opts.City, s.opts.City
	if location == "" {
		loc, ok := s.locate(ctx, Query{IP: q.IP})
		if !ok {
			return Report{}, &Error{Code: CodeCityNotConfigured, Message: "no city configured and the visitor IP could not be located"}
		}
		location, city = loc.LocationID, loc.City
	}

	r, err := upstream.ReadThrough(ctx, s.site, "site_weather", s.logger, func(ctx context.Context) (Report, error) {
		r, err := s.client.Now(ctx, location)
		if err != nil {
			return Report{}, err
		}
		r.City = city
		return r, nil
	})
	if err != nil {
		return Report{}, fetchError(err)
	}
	return r, nil
}
