// Package steam polls the Steam Web API (or, without a key, the public
// community profile) for the owner's presence and recent games.
package steam

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/restatus/internal/upstream"
)

const (
	DefaultAPIBaseURL       = "https://api.steampowered.com"
	DefaultCommunityBaseURL = "https://steamcommunity.com"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Player is the subset of GetPlayerSummaries the dashboard uses. The
// scrape path fills the same struct plus the fields the API reports
// elsewhere.
type Player struct {
	SteamID       string `json:"steamid"`
	PersonaName   string `json:"personaname"`
	Avatar        string `json:"avatar"`
	AvatarMedium  string `json:"avatarmedium"`
	AvatarFull    string `json:"avatarfull"`
	PersonaState  int    `json:"personastate"`
	GameExtraInfo string `json:"gameextrainfo"`
	GameID        string `json:"gameid"`

	// Only populated by the community scrape.
	Level     int    `json:"-"`
	GameCover string `json:"-"`
	GameIcon  string `json:"-"`
}

// Game is one recently played title.
type Game struct {
	Name           string `json:"name"`
	AppID          int    `json:"appid,omitempty"`
	Playtime2Weeks string `json:"playtime_2weeks"`
	PlaytimeTotal  string `json:"playtime_total"`
	Cover          string `json:"cover,omitempty"`
}

// Options configures a Client.
type Options struct {
	APIKey           string
	APIBaseURL       string
	CommunityBaseURL string
	Timeout          time.Duration
}

// Client talks to the Steam Web API and community site.
type Client struct {
	apiKey        string
	apiBase       string
	communityBase string
	api           *upstream.Client
	community     *upstream.Client
	logger        zerolog.Logger
}

// NewClient creates a client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.APIBaseURL == "" {
		opts.APIBaseURL = DefaultAPIBaseURL
	}
	if opts.CommunityBaseURL == "" {
		opts.CommunityBaseURL = DefaultCommunityBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	logger = logger.With().Str("component", "steam").Logger()

	return &Client{
		apiKey:        opts.APIKey,
		apiBase:       opts.APIBaseURL,
		communityBase: opts.CommunityBaseURL,
		api:           upstream.NewClient("steam", opts.Timeout, logger),
		community:     upstream.NewClient("steam-community", opts.Timeout, logger),
		logger:        logger,
	}
}

// HasAPIKey reports whether the Web API can be used.
func (c *Client) HasAPIKey() bool {
	return c.apiKey != ""
}

func (c *Client) endpoint(path string, params url.Values) string {
	params.Set("key", c.apiKey)
	return c.apiBase + path + "?" + params.Encode()
}

// PlayerSummary returns the player's summary. A reply without players is
// an error.
func (c *Client) PlayerSummary(ctx context.Context, steamID64 string) (*Player, error) {
	if !c.HasAPIKey() {
		return nil, upstream.Errorf(upstream.NotConfigured, "steam api key not configured")
	}

	var resp struct {
		Response struct {
			Players []Player `json:"players"`
		} `json:"response"`
	}
	u := c.endpoint("/ISteamUser/GetPlayerSummaries/v2/", url.Values{"steamids": {steamID64}})
	if err := c.api.GetJSON(ctx, u, nil, &resp); err != nil {
		return nil, fmt.Errorf("get player summaries: %w", err)
	}
	if len(resp.Response.Players) == 0 {
		return nil, upstream.Errorf(upstream.InvalidInput, "steam returned no player for %s", steamID64)
	}
	return &resp.Response.Players[0], nil
}

// RecentGames returns up to ten recently played games.
func (c *Client) RecentGames(ctx context.Context, steamID64 string) ([]Game, error) {
	if !c.HasAPIKey() {
		return nil, upstream.Errorf(upstream.NotConfigured, "steam api key not configured")
	}

	var resp struct {
		Response struct {
			Games []struct {
				AppID           int    `json:"appid"`
				Name            string `json:"name"`
				Playtime2Weeks  int    `json:"playtime_2weeks"`
				PlaytimeForever int    `json:"playtime_forever"`
			} `json:"games"`
		} `json:"response"`
	}
	u := c.endpoint("/IPlayerService/GetRecentlyPlayedGames/v1/", url.Values{
		"steamid": {steamID64},
		"count":   {"10"},
	})
	if err := c.api.GetJSON(ctx, u, nil, &resp); err != nil {
		return nil, fmt.Errorf("get recently played games: %w", err)
	}

	games := make([]Game, 0, len(resp.Response.Games))
	for _, g := range resp.Response.Games {
		name := g.Name
		if name == "" {
			name = "Unknown Game"
		}
		games = append(games, Game{
			Name:           name,
			AppID:          g.AppID,
			Playtime2Weeks: FormatPlaytime(g.Playtime2Weeks),
			PlaytimeTotal:  FormatPlaytime(g.PlaytimeForever),
			Cover:          CoverURL(strconv.Itoa(g.AppID)),
		})
	}
	return games, nil
}

// Level returns the player's Steam level.
func (c *Client) Level(ctx context.Context, steamID64 string) (int, error) {
	if !c.HasAPIKey() {
		return 0, upstream.Errorf(upstream.NotConfigured, "steam api key not configured")
	}

	var resp struct {
		Response struct {
			PlayerLevel int `json:"player_level"`
		} `json:"response"`
	}
	u := c.endpoint("/IPlayerService/GetSteamLevel/v1/", url.Values{"steamid": {steamID64}})
	if err := c.api.GetJSON(ctx, u, nil, &resp); err != nil {
		return 0, fmt.Errorf("get steam level: %w", err)
	}
	return resp.Response.PlayerLevel, nil
}

func (c *Client) scrapeHeaders(accept string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Accept", accept)
	return h
}

// FormatPlaytime renders minutes as "0h", "<N>m" or "<H.H>h".
func FormatPlaytime(minutes int) string {
	if minutes <= 0 {
		return "0h"
	}
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%.1fh", float64(minutes)/60)
}

// CoverURL returns the portrait library artwork for an app id.
func CoverURL(appID string) string {
	if appID == "" || appID == "0" {
		return ""
	}
	return "https://steamcdn-a.akamaihd.net/steam/apps/" + appID + "/library_600x900_2x.jpg"
}
