package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goodtune/restatus/internal/bilibili"
	"github.com/goodtune/restatus/internal/geo"
	"github.com/goodtune/restatus/internal/steam"
	"github.com/goodtune/restatus/internal/storage"
	"github.com/goodtune/restatus/internal/weather"
)

func (s *Server) handleSteamStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Steam == nil {
		writeError(w, http.StatusOK, steam.CodeNotConfigured, "steam is not configured")
		return
	}

	snap, err := s.deps.Steam.Current(r.Context())
	if err != nil {
		var se *steam.Error
		if errors.As(err, &se) {
			writeError(w, http.StatusOK, se.Code, se.Message)
			return
		}
		s.logger.Error().Err(err).Msg("Steam status failed")
		writeError(w, http.StatusOK, steam.CodeAPIRequestFailed, "steam request failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"data":      snap.Data,
		"apiData":   snap.APIData,
		"timestamp": snap.Timestamp,
	})
}

const (
	bilibiliNotConfigured = "NOT_CONFIGURED"
	bilibiliInitializing  = "DATA_INITIALIZING"
)

func (s *Server) handleBilibiliStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bilibili == nil {
		writeError(w, http.StatusOK, bilibiliNotConfigured, "bilibili uid is not configured")
		return
	}

	snap, err := s.deps.Bilibili.Load(r.Context())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusOK, bilibiliInitializing, "bilibili data is being collected, try again later")
			return
		}
		s.logger.Error().Err(err).Msg("Failed to load bilibili snapshot")
		writeServerError(w)
		return
	}

	writeData(w, proxyImages(*snap, baseURL(r)), nil)
}

// proxyImages rewrites CDN image URLs so browsers fetch them through the
// image proxy.
func proxyImages(snap bilibili.Snapshot, base string) bilibili.Snapshot {
	rewrite := func(u string) string {
		if !strings.Contains(u, "hdslb.com") {
			return u
		}
		return base + "/api/proxy/image?url=" + url.QueryEscape(u)
	}

	snap.Profile.Avatar = rewrite(snap.Profile.Avatar)

	videos := make([]bilibili.Video, len(snap.LatestVideos))
	for i, v := range snap.LatestVideos {
		v.Thumbnail = rewrite(v.Thumbnail)
		videos[i] = v
	}
	snap.LatestVideos = videos

	folders := make([]bilibili.FavoriteFolder, len(snap.Favorites))
	for i, f := range snap.Favorites {
		items := make([]bilibili.FavoriteItem, len(f.Items))
		for j, item := range f.Items {
			item.Cover = rewrite(item.Cover)
			items[j] = item
		}
		f.Items = items
		folders[i] = f
	}
	snap.Favorites = folders

	return snap
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

func (s *Server) handleWeatherStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Weather == nil {
		writeError(w, http.StatusOK, weather.CodeAPINotConfigured, "weather is not configured")
		return
	}

	q := weather.Query{IP: geo.ClientIP(r)}
	lat, latErr := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if latErr == nil && lonErr == nil {
		q.Lat, q.Lon, q.HasCoords = lat, lon, true
	}

	data, err := s.deps.Weather.Get(r.Context(), q)
	if err != nil {
		var we *weather.Error
		if errors.As(err, &we) {
			writeError(w, http.StatusOK, we.Code, we.Message)
			return
		}
		s.logger.Error().Err(err).Msg("Weather request failed")
		writeError(w, http.StatusInternalServerError, weather.CodeFetchError, "weather request failed")
		return
	}

	writeData(w, data, nil)
}
