package packagedapp

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/any-hub/pkghub/internal/cache"
	"github.com/any-hub/pkghub/internal/multipart"
)

const (
	indexBody = "<html>index</html>"
	styleBody = "body { color: red; }"
)

func TestGetResourceCoalescesConcurrentRequests(t *testing.T) {
	factory := &fakeFactory{}
	svc := newTestService(t, newTestStore(t), factory, nil, nil)

	styleA, resultsA := newCallback()
	styleB, resultsB := newCallback()
	if err := svc.GetResource(resourceRequest(t, "http://example.test/app.pkg!//style.css"), styleA); err != nil {
		t.Fatalf("first request error: %v", err)
	}
	if err := svc.GetResource(resourceRequest(t, "http://example.test/app.pkg!//style.css#top"), styleB); err != nil {
		t.Fatalf("second request error: %v", err)
	}
	if len(factory.channels) != 1 {
		t.Fatalf("expected exactly one package fetch, got %d", len(factory.channels))
	}
	ch := factory.channels[0]
	if !ch.opts.CacheOnlyMetadata {
		t.Fatalf("package channel must only cache metadata")
	}
	if SpecIgnoringRef(ch.url) != "http://example.test/app.pkg" {
		t.Fatalf("unexpected package url %s", SpecIgnoringRef(ch.url))
	}

	body := buildPackage("", [2]string{"/index.html", indexBody}, [2]string{"/style.css", styleBody})
	ch.deliver(t, newPackageResponse(ch.url), body, nil)

	for _, results := range []chan callbackResult{resultsA, resultsB} {
		res := waitResult(t, results)
		if res.err != nil {
			t.Fatalf("callback error: %v", res.err)
		}
		if res.body != styleBody {
			t.Fatalf("unexpected body %q", res.body)
		}
		expectNoResult(t, results)
	}
	if len(svc.ActivePackages()) != 0 {
		t.Fatalf("finished download should be deregistered")
	}
}

func TestResolvedResourceIsServedWithoutWaiting(t *testing.T) {
	factory := &fakeFactory{}
	svc := newTestService(t, newTestStore(t), factory, nil, nil)

	styleCB, styleResults := newCallback()
	if err := svc.GetResource(resourceRequest(t, "http://example.test/app.pkg!//style.css"), styleCB); err != nil {
		t.Fatalf("request error: %v", err)
	}
	ch := factory.channels[0]
	resp := newPackageResponse(ch.url)
	body := buildPackage("", [2]string{"/index.html", indexBody}, [2]string{"/style.css", styleBody})
	// 只推送到第二个 part 的头部，第一个 part 已经结束。
	cut := strings.Index(body, "Content-Location: /style.css")
	ch.start(t, resp)
	ch.data(t, resp, body[:cut])

	indexCB, indexResults := newCallback()
	if err := svc.GetResource(resourceRequest(t, "http://example.test/app.pkg!//index.html"), indexCB); err != nil {
		t.Fatalf("index request error: %v", err)
	}
	if len(factory.channels) != 1 {
		t.Fatalf("resolved resource must not start a new fetch")
	}
	res := waitResult(t, indexResults)
	if res.err != nil || res.body != indexBody {
		t.Fatalf("index should be served from cache before the package finishes: %+v", res)
	}
	expectNoResult(t, styleResults)

	ch.data(t, resp, body[cut:])
	ch.listener.OnStopRequest(resp, nil)
	if res := waitResult(t, styleResults); res.body != styleBody {
		t.Fatalf("unexpected style body %q", res.body)
	}
}

func TestMissingResourceSettlesWithNotFound(t *testing.T) {
	factory := &fakeFactory{}
	svc := newTestService(t, newTestStore(t), factory, nil, nil)

	cb, results := newCallback()
	if err := svc.GetResource(resourceRequest(t, "http://example.test/app.pkg!//missing.js"), cb); err != nil {
		t.Fatalf("request error: %v", err)
	}
	ch := factory.channels[0]
	ch.deliver(t, newPackageResponse(ch.url), buildPackage("", [2]string{"/index.html", indexBody}), nil)

	res := waitResult(t, results)
	if !errors.Is(res.err, ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", res.err)
	}
	expectNoResult(t, results)
}

func TestCachedPackageServesStoredResources(t *testing.T) {
	factory := &fakeFactory{}
	store := newTestStore(t)
	svc := newTestService(t, store, factory, nil, nil)

	first, firstResults := newCallback()
	if err := svc.GetResource(resourceRequest(t, "http://example.test/app.pkg!//style.css"), first); err != nil {
		t.Fatalf("request error: %v", err)
	}
	ch := factory.channels[0]
	body := buildPackage("", [2]string{"/index.html", indexBody}, [2]string{"/style.css", styleBody})
	ch.deliver(t, newPackageResponse(ch.url), body, nil)
	waitResult(t, firstResults)

	second, secondResults := newCallback()
	missing, missingResults := newCallback()
	if err := svc.GetResource(resourceRequest(t, "http://example.test/app.pkg!//index.html"), second); err != nil {
		t.Fatalf("request error: %v", err)
	}
	if err := svc.GetResource(resourceRequest(t, "http://example.test/app.pkg!//gone.png"), missing); err != nil {
		t.Fatalf("request error: %v", err)
	}
	if len(factory.channels) != 2 {
		t.Fatalf("a finished package should be fetched again, got %d fetches", len(factory.channels))
	}
	revalidate := factory.channels[1]
	cached := newPackageResponse(revalidate.url)
	cached.fromCache = true
	revalidate.deliver(t, cached, "", nil)

	res := waitResult(t, secondResults)
	if res.err != nil || res.body != indexBody {
		t.Fatalf("cached package should serve stored resource: %+v", res)
	}
	if !errors.Is(waitResult(t, missingResults).err, cache.ErrNotFound) {
		t.Fatalf("resource absent from cache should report cache miss")
	}
}

func TestResourceEntryCarriesPackageHeaders(t *testing.T) {
	factory := &fakeFactory{}
	svc := newTestService(t, newTestStore(t), factory, nil, nil)

	cb, results := newCallback()
	if err := svc.GetResource(resourceRequest(t, "http://example.test/app.pkg!//index.html"), cb); err != nil {
		t.Fatalf("request error: %v", err)
	}
	ch := factory.channels[0]
	ch.deliver(t, newPackageResponse(ch.url), buildPackage("", [2]string{"/index.html", indexBody}), nil)

	res := waitResult(t, results)
	if res.err != nil {
		t.Fatalf("callback error: %v", res.err)
	}
	code, header, err := ParseResponseHead(res.entry.MetaDataElement(MetaResponseHead))
	if err != nil {
		t.Fatalf("parse head: %v", err)
	}
	if code != 200 {
		t.Fatalf("unexpected status %d", code)
	}
	if header.Get("Content-Type") != "text/plain" {
		t.Fatalf("part content type must win over package content type: %q", header.Get("Content-Type"))
	}
	if header.Get("X-Package-Build") != "42" {
		t.Fatalf("package headers should be copied into the part head")
	}
	if header.Get("ETag") != "" {
		t.Fatalf("package ETag must not leak into resource entries")
	}
	if res.entry.MetaDataElement(MetaRequestMethod) != "GET" {
		t.Fatalf("request-method metadata missing")
	}
	if !res.entry.ValidUntil.IsZero() {
		t.Fatalf("forced validity should be cleared once the resource is served")
	}
}

func TestGetResourceRejectsBadRequests(t *testing.T) {
	factory := &fakeFactory{}
	svc := newTestService(t, newTestStore(t), factory, nil, nil)
	cb, results := newCallback()

	noToken := resourceRequest(t, "http://example.test/app.pkg/style.css")
	noOrigin := resourceRequest(t, "http://example.test/app.pkg!//style.css")
	noOrigin.Origin = ""
	noContext := resourceRequest(t, "http://example.test/app.pkg!//style.css")
	noContext.LoadContext = nil

	testCases := []struct {
		name string
		req  *ResourceRequest
		cb   cache.OpenCallback
		want error
	}{
		{"nil request", nil, cb, ErrInvalidArgument},
		{"nil callback", resourceRequest(t, "http://example.test/app.pkg!//a"), nil, ErrInvalidArgument},
		{"no token", noToken, cb, ErrInvalidArgument},
		{"no origin", noOrigin, cb, ErrMissingPrincipal},
		{"no load context", noContext, cb, ErrMissingLoadContext},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := svc.GetResource(tc.req, tc.cb); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if len(factory.channels) != 0 || len(svc.ActivePackages()) != 0 {
		t.Fatalf("rejected requests must not register anything")
	}
	expectNoResult(t, results)
}

func TestGetResourceOpenFailureLeavesNoRegistration(t *testing.T) {
	openErr := errors.New("dial refused")
	factory := &fakeFactory{openErr: openErr}
	svc := newTestService(t, newTestStore(t), factory, nil, nil)

	cb, results := newCallback()
	err := svc.GetResource(resourceRequest(t, "http://example.test/app.pkg!//style.css"), cb)
	if !errors.Is(err, openErr) {
		t.Fatalf("expected open error, got %v", err)
	}
	if len(svc.ActivePackages()) != 0 {
		t.Fatalf("failed open must deregister the downloader")
	}
	expectNoResult(t, results)
}

func TestLoadContextsDoNotShareDownloads(t *testing.T) {
	factory := &fakeFactory{}
	svc := newTestService(t, newTestStore(t), factory, nil, nil)

	cb, _ := newCallback()
	plain := resourceRequest(t, "http://example.test/app.pkg!//style.css")
	private := resourceRequest(t, "http://example.test/app.pkg!//style.css")
	private.LoadContext = &LoadContext{Private: true}
	if err := svc.GetResource(plain, cb); err != nil {
		t.Fatalf("request error: %v", err)
	}
	if err := svc.GetResource(private, cb); err != nil {
		t.Fatalf("request error: %v", err)
	}
	if len(factory.channels) != 2 {
		t.Fatalf("different load contexts need separate downloads, got %d", len(factory.channels))
	}
	keys := svc.ActivePackages()
	if len(keys) != 2 || keys[0].Key != ":http://example.test/app.pkg" || keys[1].Key != "p,:http://example.test/app.pkg" {
		t.Fatalf("unexpected active packages %+v", keys)
	}
}

func TestTruncatedPackageFailsPendingCallbacks(t *testing.T) {
	factory := &fakeFactory{}
	svc := newTestService(t, newTestStore(t), factory, nil, nil)

	cb, results := newCallback()
	if err := svc.GetResource(resourceRequest(t, "http://example.test/app.pkg!//style.css"), cb); err != nil {
		t.Fatalf("request error: %v", err)
	}
	ch := factory.channels[0]
	body := buildPackage("", [2]string{"/index.html", indexBody}, [2]string{"/style.css", styleBody})
	cut := strings.Index(body, styleBody) + 4
	ch.deliver(t, newPackageResponse(ch.url), body[:cut], nil)

	res := waitResult(t, results)
	if !errors.Is(res.err, io.ErrUnexpectedEOF) {
		t.Fatalf("truncated part must not be served, got %+v", res)
	}
}

func TestUnsignedPackageSkipsVerifier(t *testing.T) {
	factory := &fakeFactory{}
	verifier := &queuedVerifier{verify: false}
	created := 0
	verifiers := func(listener VerifierListener, origin, signature string, entry *cache.Handle) Verifier {
		created++
		verifier.listener = listener
		return verifier
	}
	svc := newTestService(t, newTestStore(t), factory, verifiers, nil)

	cb, results := newCallback()
	if err := svc.GetResource(resourceRequest(t, "http://example.test/app.pkg!//style.css"), cb); err != nil {
		t.Fatalf("request error: %v", err)
	}
	ch := factory.channels[0]
	body := buildPackage("", [2]string{"/index.html", indexBody}, [2]string{"/style.css", styleBody})
	ch.deliver(t, newPackageResponse(ch.url), body, nil)

	if res := waitResult(t, results); res.body != styleBody {
		t.Fatalf("unexpected body %q", res.body)
	}
	if created != 1 {
		t.Fatalf("verifier should be created once, got %d", created)
	}
	if len(verifier.started) != 0 || len(verifier.data) != 0 || verifier.stops != 0 {
		t.Fatalf("unsigned package must not feed the verifier")
	}
}

func TestSignedPackageReleasesResourcesInOrder(t *testing.T) {
	factory := &fakeFactory{}
	verifier := &queuedVerifier{verify: true, signed: true, id: "app-id"}
	var gotSignature string
	verifiers := func(listener VerifierListener, origin, signature string, entry *cache.Handle) Verifier {
		verifier.listener = listener
		verifier.origin = origin
		gotSignature = signature
		return verifier
	}
	installer := &fakeInstaller{ok: true}
	svc := newTestService(t, newTestStore(t), factory, verifiers, installer)

	manifestCB, manifestResults := newCallback()
	styleCB, styleResults := newCallback()
	req := resourceRequest(t, "http://example.test/app.pkg!//manifest.webapp")
	req.Origin = "http://example.test^userContextId=1"
	if err := svc.GetResource(req, manifestCB); err != nil {
		t.Fatalf("request error: %v", err)
	}
	if err := svc.GetResource(resourceRequest(t, "http://example.test/app.pkg!//style.css"), styleCB); err != nil {
		t.Fatalf("request error: %v", err)
	}
	ch := factory.channels[0]
	manifest := `{"name":"demo"}`
	body := buildPackage("manifest-signature: c2ln",
		[2]string{"/manifest.webapp", manifest},
		[2]string{"/style.css", styleBody})
	ch.deliver(t, newPackageResponse(ch.url), body, nil)

	expectNoResult(t, manifestResults)
	expectNoResult(t, styleResults)
	if gotSignature != "manifest-signature: c2ln" {
		t.Fatalf("preamble should be handed to the verifier, got %q", gotSignature)
	}
	if !strings.HasPrefix(string(verifier.data), "Content-Location: /manifest.webapp\r\n") {
		t.Fatalf("raw part header must be fed to the verifier first")
	}

	verifier.flush()

	if res := waitResult(t, manifestResults); res.body != manifest {
		t.Fatalf("unexpected manifest body %q", res.body)
	}
	if res := waitResult(t, styleResults); res.body != styleBody {
		t.Fatalf("unexpected style body %q", res.body)
	}
	if installer.calls != 1 || installer.manifest != manifest {
		t.Fatalf("installer should receive the manifest once: %+v", installer)
	}
	if installer.origin != "http://example.test^signedPkg=app-id&userContextId=1" {
		t.Fatalf("unexpected install origin %q", installer.origin)
	}
	if installer.url != "http://example.test/app.pkg!//manifest.webapp" {
		t.Fatalf("unexpected manifest url %q", installer.url)
	}
}

func TestBrokenLastPartIsProcessedAfterPendingVerification(t *testing.T) {
	factory := &fakeFactory{}
	verifier := &queuedVerifier{verify: true}
	verifiers := func(listener VerifierListener, origin, signature string, entry *cache.Handle) Verifier {
		verifier.listener = listener
		return verifier
	}
	svc := newTestService(t, newTestStore(t), factory, verifiers, nil)

	indexCB, indexResults := newCallback()
	styleCB, styleResults := newCallback()
	if err := svc.GetResource(resourceRequest(t, "http://example.test/app.pkg!//index.html"), indexCB); err != nil {
		t.Fatalf("request error: %v", err)
	}
	if err := svc.GetResource(resourceRequest(t, "http://example.test/app.pkg!//style.css"), styleCB); err != nil {
		t.Fatalf("request error: %v", err)
	}
	ch := factory.channels[0]
	body := buildPackage("manifest-signature: c2ln", [2]string{"/index.html", indexBody}, [2]string{"/style.css", styleBody})
	cut := strings.Index(body, "Content-Location: /style.css")
	connErr := errors.New("connection reset")
	ch.deliver(t, newPackageResponse(ch.url), body[:cut], connErr)

	if len(svc.ActivePackages()) != 1 {
		t.Fatalf("broken last part must wait for earlier verification")
	}
	expectNoResult(t, indexResults)
	expectNoResult(t, styleResults)

	verifier.flush()

	if res := waitResult(t, indexResults); res.err != nil || res.body != indexBody {
		t.Fatalf("verified resource should be served: %+v", res)
	}
	if res := waitResult(t, styleResults); !errors.Is(res.err, connErr) {
		t.Fatalf("pending callback should settle with the connection error, got %v", res.err)
	}
	if len(svc.ActivePackages()) != 0 {
		t.Fatalf("download should be finalized")
	}
}

func TestVerificationFailureRejectsWholePackage(t *testing.T) {
	factory := &fakeFactory{}
	verifier := &queuedVerifier{
		verify: true,
		signed: true,
		fail:   map[string]bool{"http://example.test/app.pkg!//index.html": true},
	}
	verifiers := func(listener VerifierListener, origin, signature string, entry *cache.Handle) Verifier {
		verifier.listener = listener
		return verifier
	}
	installer := &fakeInstaller{ok: true}
	store := newTestStore(t)
	svc := newTestService(t, store, factory, verifiers, installer)

	styleCB, styleResults := newCallback()
	if err := svc.GetResource(resourceRequest(t, "http://example.test/app.pkg!//style.css"), styleCB); err != nil {
		t.Fatalf("request error: %v", err)
	}
	ch := factory.channels[0]
	body := buildPackage("manifest-signature: c2ln",
		[2]string{"/manifest.webapp", `{"name":"demo"}`},
		[2]string{"/index.html", indexBody},
		[2]string{"/style.css", styleBody})
	ch.deliver(t, newPackageResponse(ch.url), body, nil)
	verifier.flush()

	res := waitResult(t, styleResults)
	var verr *VerificationError
	if !errors.As(res.err, &verr) || verr.Kind != ResourceVerifyFailed {
		t.Fatalf("expected resource verification failure, got %v", res.err)
	}
	if !errors.Is(res.err, ErrSignedAppInvalid) {
		t.Fatalf("verification errors must be ErrSignedAppInvalid")
	}
	expectNoResult(t, styleResults)
	if verifier.listener != nil {
		t.Fatalf("finalization must detach the verifier")
	}

	// 已提交的条目（包括校验通过的清单和被篡改的 index.html）都要作废。
	storage := cache.NewStorage(store, (&LoadContext{}).KeyPrefix())
	for _, spec := range []string{
		"http://example.test/app.pkg!//manifest.webapp",
		"http://example.test/app.pkg!//index.html",
	} {
		if _, err := storage.Open(context.Background(), spec); !errors.Is(err, cache.ErrNotFound) {
			t.Fatalf("%s should be doomed after a failed verification, got %v", spec, err)
		}
	}
}

func TestInstallFailureRejectsPackage(t *testing.T) {
	factory := &fakeFactory{}
	verifier := &queuedVerifier{verify: true, signed: true, id: "app-id"}
	verifiers := func(listener VerifierListener, origin, signature string, entry *cache.Handle) Verifier {
		verifier.listener = listener
		return verifier
	}
	svc := newTestService(t, newTestStore(t), factory, verifiers, &fakeInstaller{ok: false})

	styleCB, styleResults := newCallback()
	if err := svc.GetResource(resourceRequest(t, "http://example.test/app.pkg!//style.css"), styleCB); err != nil {
		t.Fatalf("request error: %v", err)
	}
	ch := factory.channels[0]
	body := buildPackage("manifest-signature: c2ln",
		[2]string{"/manifest.webapp", `{"name":"demo"}`},
		[2]string{"/style.css", styleBody})
	ch.deliver(t, newPackageResponse(ch.url), body, nil)
	verifier.flush()

	res := waitResult(t, styleResults)
	var verr *VerificationError
	if !errors.As(res.err, &verr) || verr.Kind != InstallFailed {
		t.Fatalf("expected install failure, got %v", res.err)
	}
}

func TestEquivalentResourcePathsResolveToOnePart(t *testing.T) {
	factory := &fakeFactory{}
	svc := newTestService(t, newTestStore(t), factory, nil, nil)

	var all []chan callbackResult
	for _, raw := range []string{
		"http://example.test/app.pkg!//style.css",
		"http://example.test/app.pkg!//./style.css",
		"http://example.test/app.pkg!//css/../style.css",
		"http://example.test/app.pkg!///style.css",
	} {
		cb, results := newCallback()
		if err := svc.GetResource(resourceRequest(t, raw), cb); err != nil {
			t.Fatalf("%s: request error: %v", raw, err)
		}
		all = append(all, results)
	}
	if len(factory.channels) != 1 {
		t.Fatalf("expected one package fetch, got %d", len(factory.channels))
	}
	if pending := svc.ActivePackages()[0].Pending; len(pending) != 1 {
		t.Fatalf("equivalent paths should share one callback key, got %v", pending)
	}

	ch := factory.channels[0]
	ch.deliver(t, newPackageResponse(ch.url), buildPackage("", [2]string{"/style.css", styleBody}), nil)
	for i, results := range all {
		if res := waitResult(t, results); res.err != nil || res.body != styleBody {
			t.Fatalf("caller %d: unexpected result %+v", i, res)
		}
	}
}

func TestManifestIsFirstPartHandedToVerifier(t *testing.T) {
	factory := &fakeFactory{}
	verifier := &queuedVerifier{verify: true, signed: true, id: "app-id"}
	verifiers := func(listener VerifierListener, origin, signature string, entry *cache.Handle) Verifier {
		verifier.listener = listener
		return verifier
	}
	installer := &fakeInstaller{ok: true}
	svc := newTestService(t, newTestStore(t), factory, verifiers, installer)

	styleCB, styleResults := newCallback()
	if err := svc.GetResource(resourceRequest(t, "http://example.test/app.pkg!//style.css"), styleCB); err != nil {
		t.Fatalf("request error: %v", err)
	}
	ch := factory.channels[0]
	manifest := `{"name":"demo"}`
	// 第一个 part 没有 Content-Location，不会写入缓存也不会交给校验器。
	body := "manifest-signature: c2ln\r\n" +
		"--" + testBoundary + "\r\nContent-Type: text/plain\r\n\r\nstray\r\n" +
		buildPackage("",
			[2]string{"/manifest.webapp", manifest},
			[2]string{"/style.css", styleBody})
	ch.deliver(t, newPackageResponse(ch.url), body, nil)
	verifier.flush()

	if res := waitResult(t, styleResults); res.err != nil || res.body != styleBody {
		t.Fatalf("unexpected style result %+v", res)
	}
	if len(verifier.started) == 0 || verifier.started[0] != "http://example.test/app.pkg!//manifest.webapp" {
		t.Fatalf("manifest should be the first verified part, got %v", verifier.started)
	}
	if installer.calls != 1 || installer.manifest != manifest {
		t.Fatalf("installer should receive the manifest body, got %+v", installer)
	}
}

func TestServiceUsesMultipartParts(t *testing.T) {
	var _ MultipartRequest = (*multipart.Part)(nil)
}
