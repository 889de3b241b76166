package bilibili

import (
	"context"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/restatus/internal/cache"
	"github.com/goodtune/restatus/internal/upstream"
)

const keyTTL = 24 * time.Hour

type wbiImage struct {
	ImgURL string `json:"img_url"`
	SubURL string `json:"sub_url"`
	URL    string `json:"url"`
}

type wbiImages struct {
	WbiImg *wbiImage `json:"wbi_img"`
	WbiSub *wbiImage `json:"wbi_sub"`
}

// navResponse covers both layouts the nav endpoint has used: keys under
// data, or directly at the top level.
type navResponse struct {
	Code   int        `json:"code"`
	Data   *wbiImages `json:"data"`
	WbiImg *wbiImage  `json:"wbi_img"`
	WbiSub *wbiImage  `json:"wbi_sub"`
}

// keyStrategy extracts the image and sub URLs from one known layout.
type keyStrategy struct {
	name    string
	extract func(navResponse) (imgURL, subURL string)
}

var keyStrategies = []keyStrategy{
	{
		name: "data.wbi_img",
		extract: func(r navResponse) (string, string) {
			if r.Data == nil || r.Data.WbiImg == nil {
				return "", ""
			}
			return r.Data.WbiImg.ImgURL, r.Data.WbiImg.SubURL
		},
	},
	{
		name: "wbi_img",
		extract: func(r navResponse) (string, string) {
			if r.WbiImg == nil {
				return "", ""
			}
			return r.WbiImg.ImgURL, r.WbiImg.SubURL
		},
	},
	{
		name: "wbi_img.url+wbi_sub",
		extract: func(r navResponse) (string, string) {
			imgs := wbiImages{WbiImg: r.WbiImg, WbiSub: r.WbiSub}
			if r.Data != nil && r.Data.WbiImg != nil {
				imgs = *r.Data
			}
			if imgs.WbiImg == nil || imgs.WbiSub == nil {
				return "", ""
			}
			sub := imgs.WbiSub.SubURL
			if sub == "" {
				sub = imgs.WbiSub.URL
			}
			return imgs.WbiImg.URL, sub
		},
	},
}

// keyFromURL returns the file name of u without its extension.
func keyFromURL(u string) string {
	if u == "" {
		return ""
	}
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	base := path.Base(u)
	return strings.TrimSuffix(base, path.Ext(base))
}

func extractKeys(r navResponse) (Keys, string, bool) {
	for _, s := range keyStrategies {
		imgURL, subURL := s.extract(r)
		k := Keys{ImgKey: keyFromURL(imgURL), SubKey: keyFromURL(subURL)}
		if k.Valid() {
			return k, s.name, true
		}
	}
	return Keys{}, "", false
}

// KeyStore caches the WBI key pair for a day. When a refresh fails the
// last good pair is returned.
type KeyStore struct {
	client  *upstream.Client
	navURL  string
	headers func() http.Header
	clock   cache.Clock
	logger  zerolog.Logger

	mu        sync.Mutex
	keys      Keys
	fetchedAt time.Time
}

// NewKeyStore creates a key store reading from baseURL's nav endpoint.
func NewKeyStore(client *upstream.Client, baseURL string, headers func() http.Header, clock cache.Clock, logger zerolog.Logger) *KeyStore {
	if clock == nil {
		clock = cache.RealClock{}
	}
	return &KeyStore{
		client:  client,
		navURL:  baseURL + "/x/web-interface/nav",
		headers: headers,
		clock:   clock,
		logger:  logger,
	}
}

// Get returns the current key pair, fetching a new one when the cached
// pair is missing or older than a day.
func (s *KeyStore) Get(ctx context.Context) (Keys, error) {
	s.mu.Lock()
	cached, fetchedAt := s.keys, s.fetchedAt
	s.mu.Unlock()

	if cached.Valid() && s.clock.Now().Sub(fetchedAt) < keyTTL {
		return cached, nil
	}

	keys, err := s.fetch(ctx)
	if err != nil {
		if cached.Valid() {
			s.logger.Warn().Err(err).Msg("WBI key refresh failed, using previous keys")
			return cached, nil
		}
		return Keys{}, err
	}

	s.mu.Lock()
	s.keys = keys
	s.fetchedAt = s.clock.Now()
	s.mu.Unlock()

	return keys, nil
}

// Invalidate drops the cached pair so the next Get fetches a new one.
func (s *KeyStore) Invalidate() {
	s.mu.Lock()
	s.keys = Keys{}
	s.fetchedAt = time.Time{}
	s.mu.Unlock()

	s.logger.Info().Msg("WBI keys invalidated")
}

func (s *KeyStore) fetch(ctx context.Context) (Keys, error) {
	// The nav endpoint answers -101 for anonymous callers but still
	// includes the key images, so the code is not checked.
	var resp navResponse
	if err := s.client.GetJSON(ctx, s.navURL, s.headers(), &resp); err != nil {
		return Keys{}, err
	}

	keys, strategy, ok := extractKeys(resp)
	if !ok {
		return Keys{}, upstream.Errorf(upstream.UpstreamUnavailable, "nav response carries no WBI keys (code %d)", resp.Code)
	}

	s.logger.Debug().Str("layout", strategy).Msg("Fetched WBI keys")
	return keys, nil
}
