package bilibili

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/restatus/internal/cache"
	"github.com/goodtune/restatus/internal/storage"
	"github.com/goodtune/restatus/internal/storage/file"
	"github.com/goodtune/restatus/internal/upstream"
)

const navBody = `{"code":-101,"data":{"wbi_img":{"img_url":"https://i0.hdslb.com/bfs/wbi/7cd084941338484aae1ad9425b84077c.png","sub_url":"https://i0.hdslb.com/bfs/wbi/4932caff0ff746eab6f01bf08b70ac45.png"}}}`

// fakeBilibili serves canned responses and counts requests per path.
type fakeBilibili struct {
	mu        sync.Mutex
	hits      map[string]int
	responses map[string]string
}

func newFakeBilibili(t *testing.T) (*fakeBilibili, *httptest.Server) {
	t.Helper()

	f := &fakeBilibili{
		hits: map[string]int{},
		responses: map[string]string{
			"/x/web-interface/nav":          navBody,
			"/x/space/wbi/acc/info":         `{"code":0,"data":{"name":"tester","face":"//i0.hdslb.com/face.jpg","sign":"hi","level":6}}`,
			"/x/relation/stat":              `{"code":0,"data":{"follower":1200,"following":30}}`,
			"/x/space/wbi/arc/search":       `{"code":0,"data":{"list":{"vlist":[{"title":"","pic":"//i1.hdslb.com/v.jpg","created":1714521600,"bvid":"BV1","aid":7}]}}}`,
			"/x/v3/fav/folder/created/list": `{"code":0,"data":{"list":[{"id":99,"title":"","media_count":3}]}}`,
			"/x/v3/fav/resource/list":       `{"code":0,"data":{"medias":[{"title":"fav","cover":"http://i2.hdslb.com/c.jpg","bvid":"BV2","duration":60,"upper":{"name":""},"cnt_info":{"play":10,"collect":2}}]}}`,
			"/x/space/acc/info":             `{"code":0,"data":{"name":"legacy","face":"","sign":"","level":1}}`,
			"/x/space/arc/search":           `{"code":0,"data":{"list":{"vlist":[]}}}`,
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits[r.URL.Path]++
		body, ok := f.responses[r.URL.Path]
		f.mu.Unlock()

		if r.Header.Get("Referer") != "https://www.bilibili.com/" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Path == "/x/space/wbi/acc/info" && (r.URL.Query().Get("w_rid") == "" || r.URL.Query().Get("wts") == "") {
			_, _ = w.Write([]byte(`{"code":-352,"message":"unsigned"}`))
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeBilibili) set(path, body string) {
	f.mu.Lock()
	f.responses[path] = body
	f.mu.Unlock()
}

func (f *fakeBilibili) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func newTestClient(srv *httptest.Server, clock cache.Clock) *Client {
	return NewClient(Options{
		UID:      "12345",
		SESSDATA: "cookie",
		BaseURL:  srv.URL,
		Timeout:  time.Second,
		Clock:    clock,
	}, zerolog.Nop())
}

func TestUserInfoSigned(t *testing.T) {
	f, srv := newFakeBilibili(t)
	c := newTestClient(srv, nil)

	info, err := c.UserInfo(context.Background())
	if err != nil {
		t.Fatalf("UserInfo failed: %v", err)
	}
	if info.Username != "tester" || info.Level != 6 {
		t.Errorf("Unexpected user info %+v", info)
	}
	if info.Avatar != "https://i0.hdslb.com/face.jpg" {
		t.Errorf("Expected protocol-relative avatar to become https, got %q", info.Avatar)
	}
	if f.count("/x/space/acc/info") != 0 {
		t.Error("Expected no legacy fallback on success")
	}
}

func TestSignatureRejectionFallsBackAndInvalidates(t *testing.T) {
	f, srv := newFakeBilibili(t)
	f.set("/x/space/wbi/acc/info", `{"code":-352,"message":"risk control"}`)
	c := newTestClient(srv, nil)

	info, err := c.UserInfo(context.Background())
	if err != nil {
		t.Fatalf("UserInfo failed: %v", err)
	}
	if info.Username != "legacy" {
		t.Errorf("Expected legacy endpoint result, got %+v", info)
	}
	if f.count("/x/space/acc/info") != 1 {
		t.Errorf("Expected exactly one legacy retry, got %d", f.count("/x/space/acc/info"))
	}

	c.keys.mu.Lock()
	valid := c.keys.keys.Valid()
	c.keys.mu.Unlock()
	if valid {
		t.Error("Expected key cache to be cleared after -352")
	}
}

func TestRateLimitDoesNotRetryLegacy(t *testing.T) {
	f, srv := newFakeBilibili(t)
	f.set("/x/space/wbi/acc/info", `{"code":-799,"message":"too fast"}`)
	c := newTestClient(srv, nil)

	_, err := c.UserInfo(context.Background())
	if upstream.KindOf(err) != upstream.RateLimited {
		t.Fatalf("Expected RateLimited, got %v", err)
	}
	if f.count("/x/space/acc/info") != 0 {
		t.Error("Expected no legacy retry on rate limit")
	}
}

func TestStaleDegradation(t *testing.T) {
	f, srv := newFakeBilibili(t)
	clock := &cache.TestClock{CurrentTime: time.Unix(1714608000, 0)}
	c := newTestClient(srv, clock)
	ctx := context.Background()

	if _, err := c.Stats(ctx); err != nil {
		t.Fatalf("Stats failed: %v", err)
	}

	clock.Advance(31 * time.Minute)
	f.set("/x/relation/stat", `{"code":-799,"message":"too fast"}`)

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Expected stale stats, got error %v", err)
	}
	if stats.Followers != 1200 {
		t.Errorf("Expected stale follower count, got %d", stats.Followers)
	}
	if f.count("/x/relation/stat") != 2 {
		t.Errorf("Expected a refresh attempt after expiry, got %d", f.count("/x/relation/stat"))
	}
}

func TestNotConfigured(t *testing.T) {
	c := NewClient(Options{}, zerolog.Nop())
	_, err := c.UserInfo(context.Background())
	if upstream.KindOf(err) != upstream.NotConfigured {
		t.Errorf("Expected NotConfigured, got %v", err)
	}
}

func TestKeyStoreLayouts(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"data layout", navBody},
		{"top level", `{"code":0,"wbi_img":{"img_url":"https://x/a/img1.png","sub_url":"https://x/a/sub1.png"}}`},
		{"url fields", `{"code":-101,"data":{"wbi_img":{"url":"https://x/a/img1.png"},"wbi_sub":{"url":"https://x/a/sub1.png"}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeBilibili(t)
			f.set("/x/web-interface/nav", tt.body)
			c := newTestClient(srv, nil)

			keys, err := c.keys.Get(context.Background())
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !keys.Valid() {
				t.Errorf("Expected both key fragments, got %+v", keys)
			}
		})
	}
}

func TestKeyStoreCachesAndFallsBack(t *testing.T) {
	f, srv := newFakeBilibili(t)
	clock := &cache.TestClock{CurrentTime: time.Unix(1714608000, 0)}
	c := newTestClient(srv, clock)
	ctx := context.Background()

	first, err := c.keys.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	_, _ = c.keys.Get(ctx)
	if f.count("/x/web-interface/nav") != 1 {
		t.Errorf("Expected cached keys, got %d nav calls", f.count("/x/web-interface/nav"))
	}

	clock.Advance(25 * time.Hour)
	f.set("/x/web-interface/nav", `{"code":0,"data":{}}`)

	again, err := c.keys.Get(ctx)
	if err != nil {
		t.Fatalf("Expected previous keys on refresh failure, got %v", err)
	}
	if again != first {
		t.Errorf("Expected previous keys %+v, got %+v", first, again)
	}
}

func TestCollect(t *testing.T) {
	_, srv := newFakeBilibili(t)
	clock := &cache.TestClock{CurrentTime: time.Unix(1714608000, 0)}
	c := newTestClient(srv, clock)

	store, err := file.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	collector := NewCollector(c, store, time.Hour, zerolog.Nop())

	if err := collector.Collect(context.Background()); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	snap, err := collector.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap.Profile.UID != "12345" || snap.Profile.Followers != "1200" {
		t.Errorf("Unexpected profile %+v", snap.Profile)
	}
	if len(snap.LatestVideos) != 1 || snap.LatestVideos[0].Title != "无标题" || snap.LatestVideos[0].Date != "1天前" {
		t.Errorf("Unexpected videos %+v", snap.LatestVideos)
	}
	if len(snap.Favorites) != 1 || snap.Favorites[0].FolderName != "默认收藏夹" {
		t.Fatalf("Unexpected favorites %+v", snap.Favorites)
	}
	item := snap.Favorites[0].Items[0]
	if item.Author != "未知" || item.Cover != "http://i2.hdslb.com/c.jpg" || item.Favorite != 2 {
		t.Errorf("Unexpected favorite item %+v", item)
	}
}

func TestCollectKeepsSnapshotWithoutUserInfo(t *testing.T) {
	f, srv := newFakeBilibili(t)
	f.set("/x/space/wbi/acc/info", `{"code":-500,"message":"boom"}`)
	c := newTestClient(srv, nil)

	store, err := file.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	previous := Snapshot{Profile: Profile{Username: "previous"}}
	if err := store.Save(context.Background(), storage.DocBilibili, previous); err != nil {
		t.Fatalf("save: %v", err)
	}

	collector := NewCollector(c, store, time.Hour, zerolog.Nop())
	if err := collector.Collect(context.Background()); err == nil {
		t.Fatal("Expected collect to report the user info failure")
	}

	snap, err := collector.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap.Profile.Username != "previous" {
		t.Errorf("Expected previous snapshot to be kept, got %+v", snap.Profile)
	}
}

func TestCollectWithoutStats(t *testing.T) {
	tests := []struct {
		name          string
		previous      *Snapshot
		wantFollowers string
		wantFollowing string
	}{
		{"first run", nil, "", ""},
		{"keeps previous counts", &Snapshot{Profile: Profile{Followers: "999", Following: "12"}}, "999", "12"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeBilibili(t)
			f.set("/x/relation/stat", `{"code":-500,"message":"boom"}`)

			store, err := file.Open(t.TempDir())
			if err != nil {
				t.Fatalf("open store: %v", err)
			}
			if tt.previous != nil {
				if err := store.Save(context.Background(), storage.DocBilibili, tt.previous); err != nil {
					t.Fatalf("save: %v", err)
				}
			}

			collector := NewCollector(newTestClient(srv, nil), store, time.Hour, zerolog.Nop())
			if err := collector.Collect(context.Background()); err != nil {
				t.Fatalf("Collect failed: %v", err)
			}

			snap, err := collector.Load(context.Background())
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if snap.Profile.Username != "tester" {
				t.Errorf("Expected fresh user info, got %+v", snap.Profile)
			}
			if snap.Profile.Followers != tt.wantFollowers || snap.Profile.Following != tt.wantFollowing {
				t.Errorf("Expected followers %q following %q, got %+v", tt.wantFollowers, tt.wantFollowing, snap.Profile)
			}
		})
	}
}

func TestCollectPlaceholderVideo(t *testing.T) {
	f, srv := newFakeBilibili(t)
	f.set("/x/space/wbi/arc/search", `{"code":0,"data":{"list":{"vlist":[]}}}`)
	c := newTestClient(srv, nil)

	store, err := file.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	collector := NewCollector(c, store, time.Hour, zerolog.Nop())
	if err := collector.Collect(context.Background()); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	snap, err := collector.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(snap.LatestVideos) != 1 || snap.LatestVideos[0].Title != "暂无视频" || snap.LatestVideos[0].Date != "-" {
		t.Errorf("Expected placeholder video, got %+v", snap.LatestVideos)
	}
}

func TestLoadBeforeCollect(t *testing.T) {
	_, srv := newFakeBilibili(t)
	store, err := file.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	collector := NewCollector(newTestClient(srv, nil), store, time.Hour, zerolog.Nop())

	if _, err := collector.Load(context.Background()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRelativeDate(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{time.Hour, "今天"},
		{-time.Hour, "今天"},
		{36 * time.Hour, "1天前"},
		{6 * 24 * time.Hour, "6天前"},
		{14 * 24 * time.Hour, "2周前"},
		{65 * 24 * time.Hour, "2个月前"},
		{800 * 24 * time.Hour, "2年前"},
	}
	for _, tt := range tests {
		if got := relativeDate(now.Add(-tt.ago), now); got != tt.want {
			t.Errorf("relativeDate(-%s) = %q, want %q", tt.ago, got, tt.want)
		}
	}
}
