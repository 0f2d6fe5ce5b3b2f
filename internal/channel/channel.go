package channel

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/pkghub/internal/cache"
)

// 包级缓存条目使用的元数据键。
const (
	MetaResponseHead = "response-head"
	MetaETag         = "etag"
	MetaLastModified = "last-modified"
)

var (
	// ErrUpstreamStatus 表示上游返回了非 2xx 状态码。
	ErrUpstreamStatus = errors.New("unexpected upstream status")
	// ErrAlreadyOpened 表示同一个 Channel 被重复打开。
	ErrAlreadyOpened = errors.New("channel already opened")
)

// Request 描述一次流式请求。包级 Channel 与 multipart 拆出的 Part 都实现该接口。
type Request interface {
	URL() *url.URL
}

// Response 暴露包级 HTTP 响应的元信息，OnStartRequest 之后可用。
type Response interface {
	Request
	IsFromCache() bool
	StatusCode() int
	Header() http.Header
	SecurityInfo() *cache.SecurityInfo
	CacheEntry() *cache.Handle
}

// StreamListener 接收 start → data* → stop 事件，全部在事件循环中调用。
// data 只在 OnDataAvailable 调用期间有效，需要保留时必须复制。
type StreamListener interface {
	OnStartRequest(req Request) error
	OnDataAvailable(req Request, data []byte) error
	OnStopRequest(req Request, status error)
}

// Opener 是可异步打开的通道。
type Opener interface {
	AsyncOpen(listener StreamListener) error
}

// Poster 把任务交给事件循环执行并等待完成，eventloop.Loop 满足该接口。
type Poster interface {
	Do(fn func()) error
}

// Options 控制单个 Channel 的行为。
type Options struct {
	// Storage 为包级元数据条目所在的缓存视图。
	Storage cache.Storage
	// CacheOnlyMetadata 为 true 时只缓存包响应头，包内资源由下游逐个写入缓存。
	CacheOnlyMetadata bool
	// Header 会附加到上游请求上（hop-by-hop 字段除外）。
	Header http.Header
	// PreserveMetadata 列出重新下载包时需要从旧的包级条目带到新条目上的元数据键。
	PreserveMetadata []string
}

// Factory 创建共享 http.Client 与事件循环的 Channel。
type Factory struct {
	client *http.Client
	loop   Poster
	logger *logrus.Logger
}

// NewFactory 构造 Factory。
func NewFactory(client *http.Client, loop Poster, logger *logrus.Logger) *Factory {
	if client == nil {
		client = http.DefaultClient
	}
	return &Factory{
		client: client,
		loop:   loop,
		logger: logger,
	}
}

// NewChannel 为包 URL 创建 Channel，调用 AsyncOpen 后才会发出请求。
func (f *Factory) NewChannel(u *url.URL, opts Options) (Opener, error) {
	if u == nil {
		return nil, errors.New("package url required")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported package scheme: %s", u.Scheme)
	}
	if f.loop == nil {
		return nil, errors.New("event loop required")
	}
	cloned := *u
	cloned.Fragment = ""
	cloned.RawFragment = ""
	return &Channel{
		url:    &cloned,
		client: f.client,
		loop:   f.loop,
		logger: f.logger,
		opts:   opts,
	}, nil
}

// Channel 下载整个包并把响应重放为事件。以下字段由读取 goroutine 在
// OnStartRequest 投递之前写入，之后只读。
type Channel struct {
	url    *url.URL
	client *http.Client
	loop   Poster
	logger *logrus.Logger
	opts   Options
	opened atomic.Bool

	fromCache bool
	status    int
	header    http.Header
	security  *cache.SecurityInfo
	entry     *cache.Handle
}

// URL 返回包 URL。
func (c *Channel) URL() *url.URL { return c.url }

// IsFromCache 表示本次响应是否由包级缓存条目提供（上游返回 304）。
func (c *Channel) IsFromCache() bool { return c.fromCache }

// StatusCode 返回上游状态码，请求失败时为 0。
func (c *Channel) StatusCode() int { return c.status }

// Header 返回上游响应头。
func (c *Channel) Header() http.Header { return c.header }

// SecurityInfo 返回 TLS 信息，明文连接时为 nil。
func (c *Channel) SecurityInfo() *cache.SecurityInfo { return c.security }

// CacheEntry 返回包级元数据条目，未启用 CacheOnlyMetadata 或写入失败时为 nil。
func (c *Channel) CacheEntry() *cache.Handle { return c.entry }

// AsyncOpen 在后台发起请求。OnStartRequest 与 OnStopRequest 各回调一次。
func (c *Channel) AsyncOpen(listener StreamListener) error {
	if listener == nil {
		return errors.New("stream listener required")
	}
	if !c.opened.CompareAndSwap(false, true) {
		return ErrAlreadyOpened
	}
	go c.run(listener)
	return nil
}

func (c *Channel) run(listener StreamListener) {
	previous := c.lookupPackageEntry()
	var cached *cache.Handle
	if hasValidators(previous) {
		cached = previous
	}

	req, err := http.NewRequest(http.MethodGet, c.url.String(), nil)
	if err != nil {
		c.finish(listener, err)
		return
	}
	if c.opts.Header != nil {
		CopyHeaders(req.Header, c.opts.Header)
	}
	if cached != nil {
		if etag := cached.MetaDataElement(MetaETag); etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
		if lastModified := cached.MetaDataElement(MetaLastModified); lastModified != "" {
			req.Header.Set("If-Modified-Since", lastModified)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.finish(listener, err)
		return
	}
	defer resp.Body.Close()

	c.status = resp.StatusCode
	c.header = resp.Header.Clone()
	c.security = securityInfo(resp.TLS)

	switch {
	case resp.StatusCode == http.StatusNotModified && cached != nil:
		c.fromCache = true
		c.entry = cached
		c.log().WithField("action", "package_revalidated").Debug("package served from cache")
		c.finish(listener, nil)
		return
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.finish(listener, fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode))
		return
	}

	if c.opts.CacheOnlyMetadata {
		c.entry = c.storeMetadata(resp, previous)
	}

	if !c.start(listener) {
		return
	}
	status := c.pump(listener, resp.Body)
	if status == nil && c.entry != nil {
		c.recordValidators(resp.Header)
	}
	c.stop(listener, status)
}

func (c *Channel) finish(listener StreamListener, status error) {
	if !c.start(listener) {
		return
	}
	c.stop(listener, status)
}

// start 投递 OnStartRequest；监听方返回错误时立即以该错误结束本次请求。
func (c *Channel) start(listener StreamListener) bool {
	var startErr error
	if err := c.loop.Do(func() { startErr = listener.OnStartRequest(c) }); err != nil {
		return false
	}
	if startErr != nil {
		c.stop(listener, startErr)
		return false
	}
	return true
}

func (c *Channel) pump(listener StreamListener, body io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			var listenerErr error
			if err := c.loop.Do(func() { listenerErr = listener.OnDataAvailable(c, chunk) }); err != nil {
				return err
			}
			if listenerErr != nil {
				return listenerErr
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}

func (c *Channel) stop(listener StreamListener, status error) {
	if status != nil {
		c.log().WithError(status).WithField("action", "package_stop").Warn("package download failed")
	}
	_ = c.loop.Do(func() { listener.OnStopRequest(c, status) })
}

func (c *Channel) lookupPackageEntry() *cache.Handle {
	if !c.opts.CacheOnlyMetadata || !c.opts.Storage.Enabled() {
		return nil
	}
	handle, err := c.opts.Storage.OpenForUpdate(c.url.String())
	if err != nil {
		return nil
	}
	return handle
}

func hasValidators(handle *cache.Handle) bool {
	if handle == nil {
		return false
	}
	return handle.MetaDataElement(MetaETag) != "" || handle.MetaDataElement(MetaLastModified) != ""
}

// storeMetadata 写入不含正文的包级条目；校验头在整个包下载成功后才写入，
// 这样中途失败的下载不会在下次请求时被当作缓存命中。
func (c *Channel) storeMetadata(resp *http.Response, previous *cache.Handle) *cache.Handle {
	if !c.opts.Storage.Enabled() {
		return nil
	}
	handle, err := c.opts.Storage.OpenTruncate(c.url.String())
	if err != nil {
		c.log().WithError(err).WithField("action", "package_metadata").Warn("open package entry failed")
		return nil
	}
	handle.SetSecurityInfo(c.security)
	handle.SetPredictedDataSize(0)
	if previous != nil {
		for _, key := range c.opts.PreserveMetadata {
			if value := previous.MetaDataElement(key); value != "" {
				_ = handle.SetMetaDataElement(key, value)
			}
		}
	}
	if err := handle.SetMetaDataElement(MetaResponseHead, formatResponseHead(resp)); err != nil {
		handle.Doom()
		return nil
	}
	out, err := handle.OpenOutputStream()
	if err == nil {
		err = out.Close()
	}
	if err != nil {
		c.log().WithError(err).WithField("action", "package_metadata").Warn("commit package entry failed")
		handle.Doom()
		return nil
	}
	return handle
}

func (c *Channel) recordValidators(header http.Header) {
	if etag := header.Get("ETag"); etag != "" {
		_ = c.entry.SetMetaDataElement(MetaETag, etag)
	}
	if lastModified := header.Get("Last-Modified"); lastModified != "" {
		_ = c.entry.SetMetaDataElement(MetaLastModified, lastModified)
	}
}

func (c *Channel) log() *logrus.Entry {
	logger := c.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithField("package", c.url.String())
}

func formatResponseHead(resp *http.Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/%d.%d %s\r\n", resp.ProtoMajor, resp.ProtoMinor, resp.Status)
	for key, values := range resp.Header {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", key, value)
		}
	}
	return b.String()
}

func securityInfo(state *tls.ConnectionState) *cache.SecurityInfo {
	if state == nil {
		return nil
	}
	info := &cache.SecurityInfo{
		TLSVersion:  state.Version,
		CipherSuite: state.CipherSuite,
		ServerName:  state.ServerName,
	}
	for _, cert := range state.PeerCertificates {
		info.PeerSubjects = append(info.PeerSubjects, subject(cert))
	}
	return info
}

func subject(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	return cert.Subject.String()
}
