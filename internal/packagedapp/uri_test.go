package packagedapp

import (
	"errors"
	"net/url"
	"testing"
)

func TestGetPackageURI(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"http://example.test/apps/app.pkg!//index.html", "http://example.test/apps/app.pkg"},
		{"https://Example.TEST/app.pkg!//css/a.css?v=2#top", "https://example.test/app.pkg"},
		{"http://example.test/app.pkg!//", "http://example.test/app.pkg"},
	}
	for _, tc := range cases {
		got, err := GetPackageURI(mustParse(t, tc.raw))
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.raw, err)
		}
		if SpecIgnoringRef(got) != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.raw, tc.want, SpecIgnoringRef(got))
		}
	}

	if _, err := GetPackageURI(mustParse(t, "http://example.test/app.pkg/index.html")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := GetPackageURI(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("nil url should be rejected, got %v", err)
	}
}

func TestComposeSubresourceURIRoundTrip(t *testing.T) {
	pkg := mustParse(t, "http://example.test/apps/app.pkg")
	locations := map[string]string{
		"/index.html":           "index.html",
		"index.html":            "index.html",
		"./css//style.css":      "css/style.css",
		"../../etc/passwd":      "etc/passwd",
		"/img/logo.png?x=1#top": "img/logo.png",
	}
	for location, want := range locations {
		uri := ComposeSubresourceURI(pkg, location)
		if ResourcePath(uri) != want {
			t.Fatalf("%q: expected resource %q, got %q", location, want, ResourcePath(uri))
		}
		back, err := GetPackageURI(uri)
		if err != nil {
			t.Fatalf("%q: round trip error %v", location, err)
		}
		if SpecIgnoringRef(back) != SpecIgnoringRef(pkg) {
			t.Fatalf("%q: round trip changed package to %s", location, SpecIgnoringRef(back))
		}
	}
}

func TestSpecIgnoringRefKeepsToken(t *testing.T) {
	u := &url.URL{Scheme: "HTTP", Host: "Example.test:8080", Path: "/app.pkg!//a b.js", RawQuery: "q=1", Fragment: "frag"}
	want := "http://example.test:8080/app.pkg!//a b.js?q=1"
	if got := SpecIgnoringRef(u); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if SpecIgnoringRef(&url.URL{Scheme: "http", Host: "example.test"}) != "http://example.test/" {
		t.Fatalf("empty path should render as /")
	}
	if ResourcePath(mustParse(t, "http://example.test/app.pkg")) != "" {
		t.Fatalf("url without token has no resource path")
	}
}

func TestCanonicalResourceURI(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"http://example.test/app.pkg!//style.css", "http://example.test/app.pkg!//style.css"},
		{"http://example.test/app.pkg!//./style.css", "http://example.test/app.pkg!//style.css"},
		{"http://example.test/app.pkg!//css/../style.css", "http://example.test/app.pkg!//style.css"},
		{"http://example.test/app.pkg!///style.css", "http://example.test/app.pkg!//style.css"},
		{"http://Example.test/app.pkg!//a//b.js?v=2#top", "http://example.test/app.pkg!//a/b.js?v=2"},
	}
	for _, tc := range cases {
		u := mustParse(t, tc.raw)
		pkg, err := GetPackageURI(u)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.raw, err)
		}
		if got := SpecIgnoringRef(CanonicalResourceURI(pkg, u)); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.raw, tc.want, got)
		}
	}
}
