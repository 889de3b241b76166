package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/goodtune/restatus/internal/config"
)

// Platforms is the public view of platform configuration. It never
// carries keys or cookies.
type Platforms struct {
	Steam    SteamPlatform    `json:"steam"`
	Bilibili BilibiliPlatform `json:"bilibili"`
	Weather  WeatherPlatform  `json:"weather"`
}

type SteamPlatform struct {
	Enabled bool `json:"enabled"`
	API     struct {
		SteamID64 string `json:"steamId64"`
	} `json:"api"`
}

type BilibiliPlatform struct {
	Enabled bool `json:"enabled"`
	API     struct {
		UID string `json:"uid"`
	} `json:"api"`
}

type WeatherPlatform struct {
	Enabled bool `json:"enabled"`
	API     struct {
		QWeather struct {
			City              string `json:"city,omitempty"`
			OwnerLocationID   string `json:"ownerLocationId,omitempty"`
			OwnerLocationName string `json:"ownerLocationName,omitempty"`
		} `json:"qweather"`
	} `json:"api"`
}

// PlatformsFromConfig builds the public platform view.
func PlatformsFromConfig(cfg *config.Config) Platforms {
	var p Platforms

	p.Steam.Enabled = cfg.Steam.SteamID != ""
	p.Steam.API.SteamID64 = cfg.Steam.SteamID

	p.Bilibili.Enabled = cfg.Bilibili.UID != ""
	p.Bilibili.API.UID = cfg.Bilibili.UID

	p.Weather.Enabled = cfg.Weather.Enabled && cfg.Weather.APIKey != ""
	p.Weather.API.QWeather.City = cfg.Weather.City
	p.Weather.API.QWeather.OwnerLocationID = cfg.Weather.OwnerLocationID
	p.Weather.API.QWeather.OwnerLocationName = cfg.Weather.OwnerLocationName

	return p
}

func (s *Server) handlePlatforms(w http.ResponseWriter, r *http.Request) {
	writeData(w, s.config.Platforms, nil)
}

const (
	defaultProfileName     = "User"
	defaultProfileAvatar   = "https://api.dicebear.com/9.x/avataaars/svg?seed=User&backgroundColor=ffdfbf"
	defaultProfileLocation = "City, Country"
	defaultProfileBG       = "https://images.unsplash.com/photo-1518709414768-a88986a4555d?q=80&w=1200&auto=format&fit=crop"
)

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p := s.config.Profile

	profile := map[string]string{
		"name":     orDefault(p.Name, defaultProfileName),
		"avatar":   orDefault(absoluteURL(p.Avatar), defaultProfileAvatar),
		"location": orDefault(p.Location, defaultProfileLocation),
		"bgImage":  orDefault(absoluteURL(p.BGImage), defaultProfileBG),
	}
	if p.Bio != "" {
		profile["bio"] = p.Bio
	}

	writeData(w, map[string]any{
		"title":   orDefault(p.Title, profile["name"]),
		"profile": profile,
	}, nil)
}

// absoluteURL keeps only http(s) URLs.
func absoluteURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ""
	}
	return raw
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    "ok",
		"timestamp": now(),
		"uptime":    time.Since(s.startTime).Seconds(),
	}

	system := map[string]any{}
	if info, err := host.InfoWithContext(r.Context()); err == nil {
		system["hostname"] = info.Hostname
		system["hostUptime"] = info.Uptime
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		system["memUsedPercent"] = vm.UsedPercent
	}
	if len(system) > 0 {
		body["system"] = system
	}

	writeJSON(w, http.StatusOK, body)
}
