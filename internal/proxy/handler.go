package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/pkghub/internal/cache"
	"github.com/any-hub/pkghub/internal/channel"
	"github.com/any-hub/pkghub/internal/logging"
	"github.com/any-hub/pkghub/internal/packagedapp"
	"github.com/any-hub/pkghub/internal/server"
)

// ResourceService 是 Handler 依赖的包服务，packagedapp.Service 满足该接口。
// 所有调用都必须在事件循环中进行。
type ResourceService interface {
	GetResource(req *packagedapp.ResourceRequest, cb cache.OpenCallback) error
}

// Runner 在事件循环中执行任务并等待完成，eventloop.Loop 满足该接口。
type Runner interface {
	Do(fn func()) error
}

// Handler 把 HTTP 请求转换成包内资源请求：经事件循环调用 GetResource，
// 等待回调送达缓存条目后把它流式写回客户端。
type Handler struct {
	service ResourceService
	loop    Runner
	logger  *logrus.Logger
	timeout time.Duration
}

// NewHandler 构造 Handler。timeout <= 0 表示不限制等待时间。
func NewHandler(service ResourceService, loop Runner, logger *logrus.Logger, timeout time.Duration) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		service: service,
		loop:    loop,
		logger:  logger,
		timeout: timeout,
	}
}

var errResourceTimeout = errors.New("resource timeout")

// Handle 解析包内资源路径、等待资源就绪并输出缓存的头部与正文，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	method := c.Method()
	resourcePath := requestPath(c)

	if method != http.MethodGet && method != http.MethodHead {
		c.Set(fiber.HeaderAllow, "GET, HEAD")
		return h.writeError(c, fiber.StatusMethodNotAllowed, "method_not_allowed")
	}

	target := route.PackageURL(resourcePath)
	packageKey := ""
	if pkg, err := packagedapp.GetPackageURI(target); err == nil {
		packageKey = packagedapp.PackageKey(route.LoadContext, pkg)
	}
	log := requestLog{
		handler:    h,
		route:      route,
		packageKey: packageKey,
		resource:   packagedapp.SpecIgnoringRef(target),
		requestID:  requestID,
		started:    started,
	}

	w := newWaiter()
	req := &packagedapp.ResourceRequest{
		URL:         target,
		Origin:      route.Origin,
		LoadContext: route.LoadContext,
		Header:      forwardedHeaders(c),
	}
	var openErr error
	if err := h.loop.Do(func() { openErr = h.service.GetResource(req, w.deliver) }); err != nil {
		openErr = err
	}
	if openErr != nil {
		log.result(0, false, openErr)
		return h.writeFailure(c, openErr)
	}

	result, err := w.wait(requestContext(c), h.timeout)
	if err != nil {
		log.result(0, false, err)
		return h.writeFailure(c, err)
	}
	defer result.Reader.Close()

	cacheHit := result.Entry.ModTime.Before(started)
	status, err := h.writeHead(c, result, cacheHit, requestID)
	if err != nil {
		log.result(0, cacheHit, err)
		return h.writeError(c, fiber.StatusBadGateway, "cache_entry_corrupt")
	}

	if method == http.MethodHead {
		log.result(status, cacheHit, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), result.Reader)
	log.result(status, cacheHit, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

// writeHead 重放缓存条目中记录的 part 头部。
func (h *Handler) writeHead(c fiber.Ctx, result *cache.ReadResult, cacheHit bool, requestID string) (int, error) {
	status, header, err := packagedapp.ParseResponseHead(result.Entry.MetaDataElement(packagedapp.MetaResponseHead))
	if err != nil {
		return 0, err
	}
	for key, values := range header {
		if channel.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) || strings.EqualFold(key, "Content-Location") {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}

	if length := result.Entry.SizeBytes; length > 0 {
		c.Response().Header.SetContentLength(int(length))
	} else {
		c.Response().Header.Del(fiber.HeaderContentLength)
	}
	c.Set("X-Pkghub-Cache-Hit", fmt.Sprintf("%t", cacheHit))
	if requestID != "" {
		c.Set(server.HeaderRequestID, requestID)
	}
	c.Status(status)
	return status, nil
}

func (h *Handler) writeFailure(c fiber.Ctx, err error) error {
	status, code := classifyError(err)
	return h.writeError(c, status, code)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

// classifyError 把管线错误映射为 HTTP 状态码与错误码。
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, errResourceTimeout):
		return fiber.StatusGatewayTimeout, "resource_timeout"
	case errors.Is(err, packagedapp.ErrInvalidArgument):
		return fiber.StatusBadRequest, "not_packaged_resource"
	case errors.Is(err, packagedapp.ErrResourceNotFound), errors.Is(err, cache.ErrNotFound):
		return fiber.StatusNotFound, "resource_not_found"
	case errors.Is(err, packagedapp.ErrSignedAppInvalid):
		return fiber.StatusForbidden, "signed_package_invalid"
	default:
		return fiber.StatusBadGateway, "package_download_failed"
	}
}

type requestLog struct {
	handler    *Handler
	route      *server.SiteRoute
	packageKey string
	resource   string
	requestID  string
	started    time.Time
}

func (l requestLog) result(status int, cacheHit bool, err error) {
	fields := logging.RequestFields(l.route.Config.Name, l.route.Config.Domain, l.packageKey, l.resource, cacheHit)
	fields["action"] = "proxy"
	fields["context_mode"] = l.route.Config.ContextMode()
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(l.started).Milliseconds()
	if l.requestID != "" {
		fields["request_id"] = l.requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		l.handler.logger.WithFields(fields).Warn("resource_failed")
		return
	}
	l.handler.logger.WithFields(fields).Info("resource_served")
}

// waiter 接收一次 GetResource 回调。请求方放弃等待后，迟到的结果会被直接关闭。
type waiter struct {
	mu        sync.Mutex
	abandoned bool
	ch        chan waitResult
}

type waitResult struct {
	result *cache.ReadResult
	err    error
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan waitResult, 1)}
}

func (w *waiter) deliver(result *cache.ReadResult, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.abandoned {
		if result != nil {
			result.Reader.Close()
		}
		return
	}
	select {
	case w.ch <- waitResult{result: result, err: err}:
	default:
		// 回调恰好一次，重复送达只可能是实现错误。
		if result != nil {
			result.Reader.Close()
		}
	}
}

func (w *waiter) wait(ctx context.Context, timeout time.Duration) (*cache.ReadResult, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case res := <-w.ch:
		return res.result, res.err
	case <-expired:
		w.abandon()
		return nil, errResourceTimeout
	case <-ctx.Done():
		w.abandon()
		return nil, ctx.Err()
	}
}

func (w *waiter) abandon() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.abandoned = true
	select {
	case res := <-w.ch:
		if res.result != nil {
			res.result.Reader.Close()
		}
	default:
	}
}

// requestPath 返回未经规范化的请求路径：规范化会把 "!//" 折叠成 "!/"。
func requestPath(c fiber.Ctx) string {
	uri := c.Request().URI()
	raw := string(uri.PathOriginal())
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		raw = string(uri.Path())
	}
	if decoded, err := url.PathUnescape(raw); err == nil {
		raw = decoded
	}
	if raw == "" {
		return "/"
	}
	return raw
}

// forwardedHeaders 挑选可以透传给上游包请求的客户端头。
func forwardedHeaders(c fiber.Ctx) http.Header {
	header := http.Header{}
	for _, key := range []string{fiber.HeaderAcceptLanguage, fiber.HeaderUserAgent} {
		if value := c.Get(key); value != "" {
			header.Set(key, value)
		}
	}
	return header
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
