package bilibili

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/restatus/internal/cache"
	"github.com/goodtune/restatus/internal/upstream"
)

const (
	DefaultBaseURL = "https://api.bilibili.com"

	UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	dataTTL = 30 * time.Minute
)

// errAPICode marks failures reported in the response body rather than by
// the transport.
var errAPICode = errors.New("bilibili api error code")

// Delay is the randomized pause inserted between consecutive API calls.
type Delay struct {
	Min time.Duration
	Max time.Duration
}

// Wait sleeps for a random duration in [Min, Max] or until ctx is done.
func (d Delay) Wait(ctx context.Context) error {
	if d.Max <= 0 {
		return ctx.Err()
	}
	wait := d.Min
	if d.Max > d.Min {
		wait += time.Duration(rand.Int64N(int64(d.Max-d.Min) + 1))
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UserInfo is the profile part of the space info endpoint.
type UserInfo struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Bio      string `json:"bio"`
	Level    int    `json:"level"`
}

// Stats are follower counts.
type Stats struct {
	Followers int64 `json:"followers"`
	Following int64 `json:"following"`
}

// Video is one recent upload.
type Video struct {
	Title     string `json:"title"`
	Thumbnail string `json:"thumbnail"`
	Date      string `json:"date"`
	BVID      string `json:"bvid,omitempty"`
	AID       int64  `json:"aid,omitempty"`
}

// FavoriteItem is one entry in a favorites folder.
type FavoriteItem struct {
	Title    string `json:"title"`
	Cover    string `json:"cover"`
	BVID     string `json:"bvid"`
	Author   string `json:"author"`
	Duration int    `json:"duration"`
	Play     int64  `json:"play"`
	Favorite int64  `json:"favorite"`
}

// FavoriteFolder is the first public favorites folder and its newest items.
type FavoriteFolder struct {
	FolderName string         `json:"folderName"`
	FolderID   int64          `json:"folderId"`
	Total      int            `json:"total"`
	Items      []FavoriteItem `json:"items"`
}

// Options configures a Client.
type Options struct {
	UID      string
	SESSDATA string
	BaseURL  string
	Timeout  time.Duration
	Delay    Delay
	Clock    cache.Clock
}

// Client reads Bilibili data for one user. Each kind of data is cached
// for 30 minutes and degrades to its last good value on failure.
type Client struct {
	uid      string
	sessdata string
	baseURL  string
	http     *upstream.Client
	keys     *KeyStore
	delay    Delay
	clock    cache.Clock
	logger   zerolog.Logger

	userInfo  *cache.Cache[UserInfo]
	stats     *cache.Cache[Stats]
	videos    *cache.Cache[[]Video]
	favorites *cache.Cache[[]FavoriteFolder]
}

// NewClient creates a client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = cache.RealClock{}
	}

	logger = logger.With().Str("component", "bilibili").Logger()
	httpClient := upstream.NewClient("bilibili", opts.Timeout, logger)

	c := &Client{
		uid:       opts.UID,
		sessdata:  opts.SESSDATA,
		baseURL:   opts.BaseURL,
		http:      httpClient,
		delay:     opts.Delay,
		clock:     opts.Clock,
		logger:    logger,
		userInfo:  cache.MustNew[UserInfo]("bilibili_user_info", 1, dataTTL, opts.Clock),
		stats:     cache.MustNew[Stats]("bilibili_stats", 1, dataTTL, opts.Clock),
		videos:    cache.MustNew[[]Video]("bilibili_videos", 1, dataTTL, opts.Clock),
		favorites: cache.MustNew[[]FavoriteFolder]("bilibili_favorites", 1, dataTTL, opts.Clock),
	}
	c.keys = NewKeyStore(httpClient, opts.BaseURL, c.headers, opts.Clock, logger)
	return c
}

// Configured reports whether a UID is set.
func (c *Client) Configured() bool {
	return c.uid != ""
}

// UID returns the configured user id.
func (c *Client) UID() string {
	return c.uid
}

// Keys exposes the WBI key store.
func (c *Client) Keys() *KeyStore {
	return c.keys
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("User-Agent", UserAgent)
	h.Set("Referer", "https://www.bilibili.com/")
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	if c.sessdata != "" {
		h.Set("Cookie", "SESSDATA="+c.sessdata)
	}
	return h
}

func (c *Client) notConfigured() error {
	return upstream.Errorf(upstream.NotConfigured, "bilibili uid not configured")
}

type apiResponse[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *T     `json:"data"`
}

func codeError(code int, message string) error {
	kind := upstream.UpstreamUnavailable
	switch code {
	case -401:
		kind = upstream.Unauthorized
	case -403:
		kind = upstream.Forbidden
	case -352:
		kind = upstream.SignatureInvalid
	case -799:
		kind = upstream.RateLimited
	}
	return &upstream.Error{Kind: kind, Code: strconv.Itoa(code), Message: "bilibili: " + orDefault(message, "request rejected"), Err: errAPICode}
}

func getAPI[T any](ctx context.Context, c *Client, path, query string) (*T, error) {
	var resp apiResponse[T]
	if err := c.http.GetJSON(ctx, c.baseURL+path+"?"+query, c.headers(), &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, codeError(resp.Code, resp.Message)
	}
	if resp.Data == nil {
		return nil, upstream.Errorf(upstream.UpstreamUnavailable, "bilibili %s returned no data", path)
	}
	return resp.Data, nil
}

// shouldRetryLegacy reports whether a failed signed request may succeed on
// the older unsigned endpoint: auth and signature rejections, or transport
// failures.
func shouldRetryLegacy(err error) bool {
	switch upstream.KindOf(err) {
	case upstream.Unauthorized, upstream.Forbidden, upstream.SignatureInvalid:
		return true
	case upstream.RateLimited:
		return false
	}
	return !errors.Is(err, errAPICode)
}

// getSigned calls the WBI endpoint and retries once on the legacy endpoint.
func getSigned[T any](ctx context.Context, c *Client, signedPath, legacyPath string, params map[string]string) (*T, error) {
	keys, err := c.keys.Get(ctx)
	if err == nil {
		data, err := getAPI[T](ctx, c, signedPath, SignedQuery(params, keys, c.clock.Now()))
		if err == nil {
			return data, nil
		}
		if upstream.KindOf(err) == upstream.SignatureInvalid {
			c.keys.Invalidate()
		}
		if !shouldRetryLegacy(err) {
			return nil, err
		}
		c.logger.Info().Err(err).Str("path", signedPath).Msg("Signed request failed, retrying legacy endpoint")
	} else {
		c.logger.Warn().Err(err).Msg("WBI keys unavailable, using legacy endpoint")
	}

	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	data, err := getAPI[T](ctx, c, legacyPath, q.Encode())
	if upstream.KindOf(err) == upstream.SignatureInvalid {
		c.keys.Invalidate()
	}
	return data, err
}

type accInfo struct {
	Name  string `json:"name"`
	Face  string `json:"face"`
	Sign  string `json:"sign"`
	Level int    `json:"level"`
}

// UserInfo returns the user's profile.
func (c *Client) UserInfo(ctx context.Context) (UserInfo, error) {
	if !c.Configured() {
		return UserInfo{}, c.notConfigured()
	}
	return upstream.ReadThrough(ctx, c.userInfo, "userInfo", c.logger, func(ctx context.Context) (UserInfo, error) {
		data, err := getSigned[accInfo](ctx, c, "/x/space/wbi/acc/info", "/x/space/acc/info", map[string]string{"mid": c.uid})
		if err != nil {
			return UserInfo{}, err
		}
		return UserInfo{
			Username: orDefault(data.Name, "Unknown"),
			Avatar:   absoluteURL(data.Face),
			Bio:      data.Sign,
			Level:    data.Level,
		}, nil
	})
}

type relationStat struct {
	Follower  int64 `json:"follower"`
	Following int64 `json:"following"`
}

// Stats returns follower and following counts.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	if !c.Configured() {
		return Stats{}, c.notConfigured()
	}
	return upstream.ReadThrough(ctx, c.stats, "userStats", c.logger, func(ctx context.Context) (Stats, error) {
		q := url.Values{"vmid": {c.uid}}
		data, err := getAPI[relationStat](ctx, c, "/x/relation/stat", q.Encode())
		if err != nil {
			return Stats{}, err
		}
		return Stats{Followers: data.Follower, Following: data.Following}, nil
	})
}

type arcSearch struct {
	List struct {
		Vlist []struct {
			Title   string `json:"title"`
			Pic     string `json:"pic"`
			Created int64  `json:"created"`
			BVID    string `json:"bvid"`
			AID     int64  `json:"aid"`
		} `json:"vlist"`
	} `json:"list"`
}

// Videos returns the five most recent uploads.
func (c *Client) Videos(ctx context.Context) ([]Video, error) {
	if !c.Configured() {
		return nil, c.notConfigured()
	}
	return upstream.ReadThrough(ctx, c.videos, "videos", c.logger, func(ctx context.Context) ([]Video, error) {
		params := map[string]string{"mid": c.uid, "ps": "5", "pn": "1"}
		data, err := getSigned[arcSearch](ctx, c, "/x/space/wbi/arc/search", "/x/space/arc/search", params)
		if err != nil {
			return nil, err
		}

		now := c.clock.Now()
		videos := make([]Video, 0, len(data.List.Vlist))
		for _, v := range data.List.Vlist {
			videos = append(videos, Video{
				Title:     orDefault(v.Title, "无标题"),
				Thumbnail: absoluteURL(v.Pic),
				Date:      relativeDate(time.Unix(v.Created, 0), now),
				BVID:      v.BVID,
				AID:       v.AID,
			})
		}
		return videos, nil
	})
}

type folderList struct {
	List []struct {
		ID         int64  `json:"id"`
		Title      string `json:"title"`
		MediaCount int    `json:"media_count"`
	} `json:"list"`
}

type resourceList struct {
	Medias []struct {
		Title    string `json:"title"`
		Cover    string `json:"cover"`
		BVID     string `json:"bvid"`
		Duration int    `json:"duration"`
		Upper    struct {
			Name string `json:"name"`
		} `json:"upper"`
		CntInfo struct {
			Play    int64 `json:"play"`
			Collect int64 `json:"collect"`
		} `json:"cnt_info"`
	} `json:"medias"`
}

// Favorites returns the first favorites folder with its ten newest items.
func (c *Client) Favorites(ctx context.Context) ([]FavoriteFolder, error) {
	if !c.Configured() {
		return nil, c.notConfigured()
	}
	return upstream.ReadThrough(ctx, c.favorites, "favorites", c.logger, func(ctx context.Context) ([]FavoriteFolder, error) {
		q := url.Values{"up_mid": {c.uid}, "pn": {"1"}, "ps": {"5"}}
		folders, err := getAPI[folderList](ctx, c, "/x/v3/fav/folder/created/list", q.Encode())
		if err != nil {
			return nil, err
		}
		if len(folders.List) == 0 {
			return []FavoriteFolder{}, nil
		}

		first := folders.List[0]
		if err := c.delay.Wait(ctx); err != nil {
			return nil, err
		}

		q = url.Values{"media_id": {strconv.FormatInt(first.ID, 10)}, "pn": {"1"}, "ps": {"10"}}
		resources, err := getAPI[resourceList](ctx, c, "/x/v3/fav/resource/list", q.Encode())
		if err != nil {
			return nil, err
		}

		items := make([]FavoriteItem, 0, len(resources.Medias))
		for _, m := range resources.Medias {
			items = append(items, FavoriteItem{
				Title:    orDefault(m.Title, "无标题"),
				Cover:    absoluteURL(m.Cover),
				BVID:     m.BVID,
				Author:   orDefault(m.Upper.Name, "未知"),
				Duration: m.Duration,
				Play:     m.CntInfo.Play,
				Favorite: m.CntInfo.Collect,
			})
		}

		return []FavoriteFolder{{
			FolderName: orDefault(first.Title, "默认收藏夹"),
			FolderID:   first.ID,
			Total:      first.MediaCount,
			Items:      items,
		}}, nil
	})
}
