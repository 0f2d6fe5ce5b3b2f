package packagedapp

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/pkghub/internal/cache"
	"github.com/any-hub/pkghub/internal/channel"
)

const testBoundary = "pkg-boundary"

// buildPackage 按 Content-Location → 正文的顺序拼出 multipart 包。
func buildPackage(preamble string, parts ...[2]string) string {
	var b strings.Builder
	if preamble != "" {
		b.WriteString(preamble)
		b.WriteString("\r\n")
	}
	for _, part := range parts {
		b.WriteString("--" + testBoundary + "\r\n")
		b.WriteString("Content-Location: " + part[0] + "\r\n")
		b.WriteString("Content-Type: text/plain\r\n\r\n")
		b.WriteString(part[1])
		b.WriteString("\r\n")
	}
	b.WriteString("--" + testBoundary + "--\r\n")
	return b.String()
}

type fakeFactory struct {
	channels []*fakeChannel
	openErr  error
}

func (f *fakeFactory) NewChannel(u *url.URL, opts channel.Options) (channel.Opener, error) {
	ch := &fakeChannel{url: u, opts: opts, openErr: f.openErr}
	f.channels = append(f.channels, ch)
	return ch, nil
}

type fakeChannel struct {
	url      *url.URL
	opts     channel.Options
	openErr  error
	listener channel.StreamListener
}

func (c *fakeChannel) AsyncOpen(listener channel.StreamListener) error {
	if c.openErr != nil {
		return c.openErr
	}
	c.listener = listener
	return nil
}

// deliver 以 5 字节为单位把包正文推给监听方。
func (c *fakeChannel) deliver(t *testing.T, resp *fakeResponse, body string, status error) {
	t.Helper()
	c.start(t, resp)
	c.data(t, resp, body)
	c.listener.OnStopRequest(resp, status)
}

func (c *fakeChannel) start(t *testing.T, resp *fakeResponse) {
	t.Helper()
	if c.listener == nil {
		t.Fatalf("channel not opened")
	}
	if err := c.listener.OnStartRequest(resp); err != nil {
		t.Fatalf("start error: %v", err)
	}
}

func (c *fakeChannel) data(t *testing.T, resp *fakeResponse, body string) {
	t.Helper()
	data := []byte(body)
	for len(data) > 0 {
		n := 5
		if n > len(data) {
			n = len(data)
		}
		if err := c.listener.OnDataAvailable(resp, data[:n]); err != nil {
			t.Fatalf("data error: %v", err)
		}
		data = data[n:]
	}
}

type fakeResponse struct {
	u         *url.URL
	header    http.Header
	fromCache bool
	security  *cache.SecurityInfo
}

func newPackageResponse(u *url.URL) *fakeResponse {
	header := http.Header{}
	header.Set("Content-Type", "application/package; boundary="+testBoundary)
	header.Set("ETag", `"pkg-v1"`)
	header.Set("X-Package-Build", "42")
	return &fakeResponse{u: u, header: header}
}

func (r *fakeResponse) URL() *url.URL                     { return r.u }
func (r *fakeResponse) IsFromCache() bool                 { return r.fromCache }
func (r *fakeResponse) StatusCode() int                   { return http.StatusOK }
func (r *fakeResponse) Header() http.Header               { return r.header }
func (r *fakeResponse) SecurityInfo() *cache.SecurityInfo { return r.security }
func (r *fakeResponse) CacheEntry() *cache.Handle         { return nil }

type callbackResult struct {
	body  string
	entry cache.Entry
	err   error
}

// newCallback 返回一个记录结果的回调，结果写入带缓冲的通道以便检测重复调用。
func newCallback() (cache.OpenCallback, chan callbackResult) {
	results := make(chan callbackResult, 4)
	return func(result *cache.ReadResult, err error) {
		if err != nil {
			results <- callbackResult{err: err}
			return
		}
		defer result.Reader.Close()
		body, readErr := io.ReadAll(result.Reader)
		results <- callbackResult{body: string(body), entry: result.Entry, err: readErr}
	}, results
}

func waitResult(t *testing.T, results chan callbackResult) callbackResult {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatalf("callback was not invoked")
	}
	return callbackResult{}
}

func expectNoResult(t *testing.T, results chan callbackResult) {
	t.Helper()
	select {
	case res := <-results:
		t.Fatalf("unexpected callback invocation: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestStore(t *testing.T) cache.Store {
	t.Helper()
	store, err := cache.NewStore(t.TempDir(), cache.Options{})
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	return store
}

func newTestService(t *testing.T, store cache.Store, factory *fakeFactory, verifiers VerifierFactory, installer Installer) *Service {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewService(Options{
		Store:     store,
		Channels:  factory,
		Verifiers: verifiers,
		Installer: installer,
		Logger:    logger,
	})
}

func resourceRequest(t *testing.T, raw string) *ResourceRequest {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return &ResourceRequest{
		URL:         u,
		Origin:      "http://example.test",
		LoadContext: &LoadContext{},
	}
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return u
}

// queuedVerifier 把校验结果排队，测试调用 flush 时按顺序回调。
type queuedVerifier struct {
	listener VerifierListener
	origin   string
	signed   bool
	verify   bool
	id       string
	fail     map[string]bool

	started []string
	data    []byte
	stops   int
	queue   []func()
}

func (v *queuedVerifier) OnStartRequest(uri *url.URL) {
	v.started = append(v.started, SpecIgnoringRef(uri))
}

func (v *queuedVerifier) OnDataAvailable(data []byte) error {
	v.data = append(v.data, data...)
	return nil
}

func (v *queuedVerifier) OnStopRequest(info *ResourceCacheInfo, status error) {
	isManifest := v.stops == manifestPartIndex
	v.stops++
	v.queue = append(v.queue, func() {
		if v.listener == nil {
			return
		}
		success := !v.fail[SpecIgnoringRef(info.URI)]
		v.listener.OnVerified(isManifest, info.URI, info.Entry, info.Status, info.IsLastPart, success)
	})
}

func (v *queuedVerifier) SetHasBrokenLastPart(status error) {
	v.queue = append(v.queue, func() {
		if v.listener == nil {
			return
		}
		v.listener.OnVerified(false, nil, nil, status, true, false)
	})
}

func (v *queuedVerifier) WouldVerify() bool         { return v.verify }
func (v *queuedVerifier) IsPackageSigned() bool     { return v.signed }
func (v *queuedVerifier) PackageIdentifier() string { return v.id }
func (v *queuedVerifier) ClearListener()            { v.listener = nil }

func (v *queuedVerifier) flush() {
	queue := v.queue
	v.queue = nil
	for _, fn := range queue {
		fn()
	}
}

type fakeInstaller struct {
	ok       bool
	calls    int
	manifest string
	origin   string
	url      string
}

func (i *fakeInstaller) InstallPackagedWebapp(manifest []byte, origin, manifestURL string) bool {
	i.calls++
	i.manifest = string(manifest)
	i.origin = origin
	i.url = manifestURL
	return i.ok
}
