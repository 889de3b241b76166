package api

import (
	"net/http"
	"net/url"

	"github.com/goodtune/restatus/internal/bilibili"
)

// imageHosts are the CDN hosts the image proxy will fetch from.
var imageHosts = map[string]bool{
	"i0.hdslb.com": true,
	"i1.hdslb.com": true,
	"i2.hdslb.com": true,
}

func (s *Server) handleImageProxy(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "missing url parameter")
		return
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid url")
		return
	}
	if !imageHosts[u.Hostname()] {
		writeError(w, http.StatusForbidden, CodeForbidden, "image host not allowed")
		return
	}

	headers := http.Header{}
	headers.Set("User-Agent", bilibili.UserAgent)
	headers.Set("Referer", "https://www.bilibili.com/")

	resp, err := s.images.GetBytes(r.Context(), u.String(), headers)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", raw).Msg("Image proxy request failed")
		writeError(w, http.StatusInternalServerError, CodeServerError, "image proxy request failed")
		return
	}

	contentType := resp.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}
