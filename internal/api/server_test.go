package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/goodtune/restatus/internal/bilibili"
	"github.com/goodtune/restatus/internal/broadcast"
	"github.com/goodtune/restatus/internal/cache"
	"github.com/goodtune/restatus/internal/config"
	"github.com/goodtune/restatus/internal/presence"
	"github.com/goodtune/restatus/internal/steam"
	"github.com/goodtune/restatus/internal/storage"
	"github.com/goodtune/restatus/internal/storage/file"
	"github.com/goodtune/restatus/internal/usage"
	"github.com/goodtune/restatus/internal/weather"
)

const testKey = "secret-key"

type fakeSteam struct {
	snap *steam.Snapshot
	err  error
}

func (f *fakeSteam) Current(context.Context) (*steam.Snapshot, error) { return f.snap, f.err }

type fakeBilibili struct {
	snap *bilibili.Snapshot
	err  error
}

func (f *fakeBilibili) Load(context.Context) (*bilibili.Snapshot, error) { return f.snap, f.err }

type fakeWeather struct {
	data  any
	err   error
	query weather.Query
}

func (f *fakeWeather) Get(_ context.Context, q weather.Query) (any, error) {
	f.query = q
	return f.data, f.err
}

func setupTestServer(t *testing.T, cfg Config, deps Deps) *Server {
	t.Helper()

	store, err := file.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := &cache.TestClock{CurrentTime: time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)}
	ledger := usage.NewLedger(store, usage.Options{Location: time.UTC, Clock: clock}, zerolog.Nop())
	deps.Ledger = ledger
	deps.Presence = presence.NewEngine(store, ledger, presence.Options{Location: time.UTC, Clock: clock}, zerolog.Nop())

	return NewServer(cfg, deps, zerolog.Nop())
}

func do(t *testing.T, s *Server, method, target string, body []byte, header http.Header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("Invalid JSON response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, out
}

var statusReport = []byte(`{"type":"status","deviceType":"pc","deviceName":"Desk","status":"online","currentApp":{"name":"VS Code","title":"main.go"},"duration":10}`)

func TestReportRequiresAPIKey(t *testing.T) {
	tests := []struct {
		name       string
		apiKey     string
		header     http.Header
		wantStatus int
		wantCode   string
	}{
		{"no server key", "", http.Header{"X-Api-Key": {testKey}}, http.StatusServiceUnavailable, CodeNoAPIKey},
		{"missing key", testKey, nil, http.StatusUnauthorized, CodeUnauthorized},
		{"wrong key", testKey, http.Header{"X-Api-Key": {"nope"}}, http.StatusForbidden, CodeForbidden},
		{"header key", testKey, http.Header{"X-Api-Key": {testKey}}, http.StatusOK, ""},
		{"bearer key", testKey, http.Header{"Authorization": {"Bearer " + testKey}}, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestServer(t, Config{APIKey: tt.apiKey, RequireAPIKey: true}, Deps{})

			rec, body := do(t, s, http.MethodPost, "/api/report/device", statusReport, tt.header)
			if rec.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantCode != "" && body["errorCode"] != tt.wantCode {
				t.Errorf("Expected errorCode %s, got %v", tt.wantCode, body["errorCode"])
			}
		})
	}
}

func TestReportUpdatesDeviceStatus(t *testing.T) {
	s := setupTestServer(t, Config{APIKey: testKey, RequireAPIKey: true}, Deps{})

	rec, _ := do(t, s, http.MethodPost, "/api/report/device", statusReport, http.Header{"X-Api-Key": {testKey}})
	if rec.Code != http.StatusOK {
		t.Fatalf("Report failed: %d %s", rec.Code, rec.Body.String())
	}

	rec, body := do(t, s, http.MethodGet, "/api/status/device", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	data, _ := body["data"].(map[string]any)
	pc, _ := data["pc"].(map[string]any)
	app, _ := pc["currentApp"].(map[string]any)
	if app["name"] != "VS Code" {
		t.Errorf("Expected currentApp VS Code, got %v", pc["currentApp"])
	}
	if pc["status"] != presence.StatusOnline {
		t.Errorf("Expected online, got %v", pc["status"])
	}
	if body["lastUpdate"] == nil {
		t.Error("Expected lastUpdate to be set")
	}
}

func TestReportDisabledKeyCheck(t *testing.T) {
	s := setupTestServer(t, Config{APIKey: testKey, RequireAPIKey: false}, Deps{})

	rec, _ := do(t, s, http.MethodPost, "/api/report/device", statusReport, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 without key when not required, got %d", rec.Code)
	}
}

func TestReportInvalidBody(t *testing.T) {
	s := setupTestServer(t, Config{APIKey: testKey}, Deps{})

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"malformed", `{"type":`, CodeInvalidRequest},
		{"neither status nor batch", `{"deviceType":"pc"}`, CodeInvalidReport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, s, http.MethodPost, "/api/report/device", []byte(tt.body), nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("Expected 400, got %d", rec.Code)
			}
			if body["errorCode"] != tt.wantCode {
				t.Errorf("Expected %s, got %v", tt.wantCode, body["errorCode"])
			}
		})
	}
}

func TestStatsAndUsageToday(t *testing.T) {
	s := setupTestServer(t, Config{APIKey: testKey}, Deps{})

	mobile := []byte(`{"type":"status","deviceType":"mobile","status":"online","currentApp":{"name":"Bilibili"},"duration":30}`)
	if rec, _ := do(t, s, http.MethodPost, "/api/report/device", mobile, nil); rec.Code != http.StatusOK {
		t.Fatalf("Report failed: %d", rec.Code)
	}

	_, stats := do(t, s, http.MethodGet, "/api/stats/today", nil, nil)
	apps, _ := stats["data"].([]any)
	if len(apps) != 1 {
		t.Fatalf("Expected 1 ranked app, got %v", stats["data"])
	}
	if stats["totalDuration"] != float64(30) {
		t.Errorf("Expected totalDuration 30, got %v", stats["totalDuration"])
	}

	_, used := do(t, s, http.MethodGet, "/api/usage/today?deviceType=mobile", nil, nil)
	if used["recordCount"] != float64(1) {
		t.Errorf("Expected 1 mobile record, got %v", used["recordCount"])
	}

	_, pc := do(t, s, http.MethodGet, "/api/usage/today", nil, nil)
	if pc["recordCount"] != float64(0) {
		t.Errorf("Expected no pc records, got %v", pc["recordCount"])
	}
}

func TestUnknownAPIPath(t *testing.T) {
	s := setupTestServer(t, Config{}, Deps{})

	rec, body := do(t, s, http.MethodGet, "/api/nope", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rec.Code)
	}
	if body["success"] != false || body["path"] != "/api/nope" {
		t.Errorf("Unexpected body: %v", body)
	}
}

func TestSteamStatus(t *testing.T) {
	snap := &steam.Snapshot{Timestamp: time.Now()}
	snap.Data.Profile.Name = "gamer"

	tests := []struct {
		name     string
		source   SteamSource
		wantCode string
	}{
		{"not configured", nil, steam.CodeNotConfigured},
		{"no data", &fakeSteam{err: &steam.Error{Code: steam.CodeNoData, Message: "no data yet"}}, steam.CodeNoData},
		{"ok", &fakeSteam{snap: snap}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestServer(t, Config{}, Deps{Steam: tt.source})

			rec, body := do(t, s, http.MethodGet, "/api/status/steam", nil, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", rec.Code)
			}
			if tt.wantCode == "" {
				if body["success"] != true || body["apiData"] == nil {
					t.Errorf("Expected success with apiData, got %v", body)
				}
				return
			}
			if body["errorCode"] != tt.wantCode {
				t.Errorf("Expected %s, got %v", tt.wantCode, body["errorCode"])
			}
		})
	}
}

func TestBilibiliStatus(t *testing.T) {
	snap := &bilibili.Snapshot{
		Profile:      bilibili.Profile{UID: "42", Username: "up", Avatar: "https://i0.hdslb.com/face.jpg"},
		LatestVideos: []bilibili.Video{{Title: "v", Thumbnail: "https://i1.hdslb.com/v.jpg"}},
	}

	t.Run("initializing", func(t *testing.T) {
		s := setupTestServer(t, Config{}, Deps{Bilibili: &fakeBilibili{err: storage.ErrNotFound}})
		_, body := do(t, s, http.MethodGet, "/api/status/bilibili", nil, nil)
		if body["errorCode"] != bilibiliInitializing {
			t.Errorf("Expected %s, got %v", bilibiliInitializing, body["errorCode"])
		}
	})

	t.Run("not configured", func(t *testing.T) {
		s := setupTestServer(t, Config{}, Deps{})
		_, body := do(t, s, http.MethodGet, "/api/status/bilibili", nil, nil)
		if body["errorCode"] != bilibiliNotConfigured {
			t.Errorf("Expected %s, got %v", bilibiliNotConfigured, body["errorCode"])
		}
	})

	t.Run("images proxied", func(t *testing.T) {
		s := setupTestServer(t, Config{}, Deps{Bilibili: &fakeBilibili{snap: snap}})
		_, body := do(t, s, http.MethodGet, "/api/status/bilibili", nil, nil)

		data, _ := body["data"].(map[string]any)
		profile, _ := data["profile"].(map[string]any)
		want := "http://example.com/api/proxy/image?url=" + url.QueryEscape("https://i0.hdslb.com/face.jpg")
		if profile["avatar"] != want {
			t.Errorf("Expected avatar %s, got %v", want, profile["avatar"])
		}
	})

	if snap.Profile.Avatar != "https://i0.hdslb.com/face.jpg" {
		t.Error("Rewrite must not modify the stored snapshot")
	}
}

func TestWeatherStatus(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		s := setupTestServer(t, Config{}, Deps{})
		_, body := do(t, s, http.MethodGet, "/api/status/weather", nil, nil)
		if body["errorCode"] != weather.CodeAPINotConfigured {
			t.Errorf("Expected %s, got %v", weather.CodeAPINotConfigured, body["errorCode"])
		}
	})

	t.Run("coded error", func(t *testing.T) {
		fw := &fakeWeather{err: &weather.Error{Code: weather.CodeCityNotConfigured, Message: "no city"}}
		s := setupTestServer(t, Config{}, Deps{Weather: fw})
		rec, body := do(t, s, http.MethodGet, "/api/status/weather", nil, nil)
		if rec.Code != http.StatusOK || body["errorCode"] != weather.CodeCityNotConfigured {
			t.Errorf("Expected 200 %s, got %d %v", weather.CodeCityNotConfigured, rec.Code, body["errorCode"])
		}
	})

	t.Run("unexpected error", func(t *testing.T) {
		s := setupTestServer(t, Config{}, Deps{Weather: &fakeWeather{err: errors.New("boom")}})
		rec, body := do(t, s, http.MethodGet, "/api/status/weather", nil, nil)
		if rec.Code != http.StatusInternalServerError || body["errorCode"] != weather.CodeFetchError {
			t.Errorf("Expected 500 %s, got %d %v", weather.CodeFetchError, rec.Code, body["errorCode"])
		}
	})

	t.Run("coordinates", func(t *testing.T) {
		fw := &fakeWeather{data: map[string]any{"city": "Hangzhou"}}
		s := setupTestServer(t, Config{}, Deps{Weather: fw})
		_, body := do(t, s, http.MethodGet, "/api/status/weather?lat=30.25&lon=120.17", nil, nil)
		if body["success"] != true {
			t.Fatalf("Expected success, got %v", body)
		}
		if !fw.query.HasCoords || fw.query.Lat != 30.25 || fw.query.Lon != 120.17 {
			t.Errorf("Coordinates not passed through: %+v", fw.query)
		}
	})
}

func TestProfileDefaults(t *testing.T) {
	s := setupTestServer(t, Config{Profile: config.ProfileConfig{Avatar: "not a url"}}, Deps{})

	_, body := do(t, s, http.MethodGet, "/api/profile", nil, nil)
	data, _ := body["data"].(map[string]any)
	profile, _ := data["profile"].(map[string]any)

	if data["title"] != defaultProfileName {
		t.Errorf("Expected title to fall back to name, got %v", data["title"])
	}
	if profile["avatar"] != defaultProfileAvatar {
		t.Errorf("Expected default avatar, got %v", profile["avatar"])
	}
	if profile["location"] != defaultProfileLocation {
		t.Errorf("Expected default location, got %v", profile["location"])
	}
}

func TestPlatformsHidesSecrets(t *testing.T) {
	cfg := &config.Config{}
	cfg.Steam.SteamID = "76561197960287930"
	cfg.Steam.APIKey = "steam-secret"
	cfg.Bilibili.UID = "42"
	cfg.Bilibili.SESSDATA = "cookie-secret"

	s := setupTestServer(t, Config{Platforms: PlatformsFromConfig(cfg)}, Deps{})

	rec, body := do(t, s, http.MethodGet, "/api/config/platforms", nil, nil)
	raw := rec.Body.String()
	if strings.Contains(raw, "steam-secret") || strings.Contains(raw, "cookie-secret") {
		t.Fatalf("Secrets leaked: %s", raw)
	}

	data, _ := body["data"].(map[string]any)
	st, _ := data["steam"].(map[string]any)
	if st["enabled"] != true {
		t.Errorf("Expected steam enabled, got %v", st)
	}
	w, _ := data["weather"].(map[string]any)
	if w["enabled"] != false {
		t.Errorf("Expected weather disabled, got %v", w)
	}
}

func TestHealth(t *testing.T) {
	s := setupTestServer(t, Config{}, Deps{})

	rec, body := do(t, s, http.MethodGet, "/api/health", nil, nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("Unexpected health response: %d %v", rec.Code, body)
	}
	if _, ok := body["uptime"].(float64); !ok {
		t.Errorf("Expected numeric uptime, got %v", body["uptime"])
	}
}

func TestImageProxyRejects(t *testing.T) {
	s := setupTestServer(t, Config{}, Deps{})

	tests := []struct {
		name       string
		target     string
		wantStatus int
	}{
		{"missing", "/api/proxy/image", http.StatusBadRequest},
		{"invalid", "/api/proxy/image?url=" + url.QueryEscape("not-a-url"), http.StatusBadRequest},
		{"foreign host", "/api/proxy/image?url=" + url.QueryEscape("https://evil.example.com/a.jpg"), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := do(t, s, http.MethodGet, tt.target, nil, nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("Expected %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestImageProxyFetches(t *testing.T) {
	var referer string
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		referer = r.Header.Get("Referer")
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer cdn.Close()

	imageHosts["127.0.0.1"] = true
	defer delete(imageHosts, "127.0.0.1")

	s := setupTestServer(t, Config{}, Deps{})
	rec, _ := do(t, s, http.MethodGet, "/api/proxy/image?url="+url.QueryEscape(cdn.URL+"/a.png"), nil, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "png-bytes" {
		t.Errorf("Unexpected body %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Errorf("Expected image/png, got %s", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=86400" {
		t.Errorf("Unexpected Cache-Control %s", got)
	}
	if referer != "https://www.bilibili.com/" {
		t.Errorf("Expected bilibili referer, got %q", referer)
	}
}

func TestWebSocketThroughRouter(t *testing.T) {
	s := setupTestServer(t, Config{}, Deps{})
	hub := broadcast.NewHub(s.deps.Presence, nil, zerolog.Nop())
	defer hub.Close()

	s = NewServer(s.config, Deps{Presence: s.deps.Presence, Ledger: s.deps.Ledger, Push: hub}, zerolog.Nop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	var msg broadcast.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Invalid message: %v", err)
	}
	if msg.Type != broadcast.MessageTypeDeviceStatus {
		t.Errorf("Expected deviceStatus message, got %s", msg.Type)
	}
	if _, ok := msg.Data[presence.SlotPC]; !ok {
		t.Error("Expected placeholder pc device in initial snapshot")
	}
}
