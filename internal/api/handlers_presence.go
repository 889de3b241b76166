package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/goodtune/restatus/internal/presence"
)

const maxReportBody = 1 << 20

func (s *Server) handleReportDevice(w http.ResponseWriter, r *http.Request) {
	var report presence.Report
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBody)).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body")
		return
	}

	if err := s.deps.Presence.Report(r.Context(), report); err != nil {
		if errors.Is(err, presence.ErrInvalidReport) {
			writeError(w, http.StatusBadRequest, CodeInvalidReport, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("Failed to apply device report")
		writeServerError(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"timestamp": now(),
	})
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	writeData(w, s.deps.Presence.Snapshot(), map[string]any{
		"lastUpdate": s.deps.Presence.LatestUpdate(),
	})
}

func (s *Server) handleStatsToday(w http.ResponseWriter, r *http.Request) {
	ranking := s.deps.Presence.Ranking()
	writeData(w, ranking.Apps, map[string]any{
		"totalDuration": ranking.TotalDuration,
		"date":          ranking.Date,
	})
}

func (s *Server) handleUsageToday(w http.ResponseWriter, r *http.Request) {
	deviceType := r.URL.Query().Get("deviceType")
	if deviceType == "" {
		deviceType = presence.SlotPC
	}
	deviceID := r.URL.Query().Get("deviceId")

	summary := s.deps.Ledger.Today(deviceType, deviceID)
	writeData(w, summary.Apps, map[string]any{
		"totalDuration": summary.TotalDuration,
		"recordCount":   summary.RecordCount,
	})
}
