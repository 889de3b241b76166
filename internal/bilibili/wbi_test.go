package bilibili

import (
	"strings"
	"testing"
	"time"
)

var docKeys = Keys{
	ImgKey: "7cd084941338484aae1ad9425b84077c",
	SubKey: "4932caff0ff746eab6f01bf08b70ac45",
}

func TestMixinKey(t *testing.T) {
	if got := MixinKey(docKeys); got != "ea1db124af3c7062474693fa704f4ff8" {
		t.Errorf("MixinKey() = %q", got)
	}
}

func TestSignKnownVector(t *testing.T) {
	params := map[string]string{"foo": "114", "bar": "514", "zab": "1919810"}
	sig := Sign(params, docKeys, time.Unix(1702204169, 0))

	if sig.Wts != 1702204169 {
		t.Errorf("Expected wts 1702204169, got %d", sig.Wts)
	}
	if sig.Query != "bar=514&foo=114&wts=1702204169&zab=1919810" {
		t.Errorf("Unexpected query %q", sig.Query)
	}
	if sig.WRid != "8f6f2b5b3d485fe1886cec6a0be8c5d4" {
		t.Errorf("Unexpected w_rid %q", sig.WRid)
	}
	if _, ok := params["wts"]; ok {
		t.Error("Sign must not modify the caller's params")
	}
}

func TestSignDeterministicAndSensitive(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	params := map[string]string{"mid": "12345", "ps": "5"}

	a := Sign(params, docKeys, ts)
	b := Sign(params, docKeys, ts)
	if a.WRid != b.WRid {
		t.Fatal("Expected identical signatures for identical input")
	}

	changed := Sign(map[string]string{"mid": "12346", "ps": "5"}, docKeys, ts)
	if changed.WRid == a.WRid {
		t.Error("Expected a changed param to change the signature")
	}

	later := Sign(params, docKeys, ts.Add(time.Second))
	if later.WRid == a.WRid {
		t.Error("Expected a different timestamp to change the signature")
	}
}

func TestSignEncodesLikeURIComponent(t *testing.T) {
	sig := Sign(map[string]string{"name": "a b(c)!", "mid": "2"}, docKeys, time.Unix(1702204169, 0))
	if sig.Query != "mid=2&name=a%20b(c)!&wts=1702204169" {
		t.Errorf("Unexpected query %q", sig.Query)
	}
	if sig.WRid != "4d73d29c3ed30af23680c1f549ce188e" {
		t.Errorf("Unexpected w_rid %q", sig.WRid)
	}
}

func TestEncodeURIComponent(t *testing.T) {
	tests := map[string]string{
		"abc-_.~":   "abc-_.~",
		"a b":       "a%20b",
		"a+b":       "a%2Bb",
		"*'()!":     "*'()!",
		"中文":        "%E4%B8%AD%E6%96%87",
		"k=v&x=y/z": "k%3Dv%26x%3Dy%2Fz",
	}
	for in, want := range tests {
		if got := encodeURIComponent(in); got != want {
			t.Errorf("encodeURIComponent(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSignedQuery(t *testing.T) {
	q := SignedQuery(map[string]string{"mid": "1"}, docKeys, time.Unix(1700000000, 0))
	if !strings.HasPrefix(q, "mid=1&wts=1700000000&w_rid=") {
		t.Errorf("Unexpected signed query %q", q)
	}
}

func TestKeyFromURL(t *testing.T) {
	tests := map[string]string{
		"https://i0.hdslb.com/bfs/wbi/7cd084941338484aae1ad9425b84077c.png": "7cd084941338484aae1ad9425b84077c",
		"https://i0.hdslb.com/bfs/wbi/abc.png?x=1":                          "abc",
		"":                                                                  "",
	}
	for in, want := range tests {
		if got := keyFromURL(in); got != want {
			t.Errorf("keyFromURL(%q) = %q, want %q", in, got, want)
		}
	}
}
