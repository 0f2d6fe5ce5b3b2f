package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler serves packaged resources for a matched site. Tests inject fakes.
type ProxyHandler interface {
	Handle(fiber.Ctx, *SiteRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *SiteRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *SiteRoute) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application behaves on its listen port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *SiteRegistry
	Proxy      ProxyHandler
	ListenPort int
}

func (o AppOptions) validate() error {
	switch {
	case o.Logger == nil:
		return errors.New("logger is required")
	case o.Registry == nil:
		return errors.New("site registry is required")
	case o.Proxy == nil:
		return errors.New("proxy handler is required")
	case o.ListenPort <= 0:
		return fmt.Errorf("invalid listen port: %d", o.ListenPort)
	}
	return nil
}

const (
	// HeaderRequestID carries the request id in both directions.
	HeaderRequestID = "X-Request-ID"
	// DiagnosticsPrefix marks paths served regardless of the Host header.
	DiagnosticsPrefix = "/-/"

	headerUnmappedHost = "X-Pkghub-Host"
	localRoute         = "_pkghub_route"
	localRequestID     = "_pkghub_request_id"
)

// NewApp builds the Fiber application: request ids, Host based site routing and
// JSON errors. Diagnostics routes registered afterwards on the returned app are
// reachable under DiagnosticsPrefix.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		AppName:       "pkghub",
		CaseSensitive: true,
		ErrorHandler:  jsonErrorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(assignRequestID)
	app.Use(routeBySite(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(c) {
			return c.Next()
		}
		route, ok := routeFromContext(c)
		if !ok {
			return renderHostUnmapped(c, opts.Logger, "", opts.ListenPort)
		}
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

// assignRequestID 复用客户端传入的合法 UUID，否则生成新的请求 ID。
func assignRequestID(c fiber.Ctx) error {
	reqID := c.Get(HeaderRequestID)
	if _, err := uuid.Parse(reqID); err != nil {
		reqID = uuid.NewString()
	}
	c.Locals(localRequestID, reqID)
	c.Set(HeaderRequestID, reqID)
	return c.Next()
}

// routeBySite 按 Host 头查找站点，诊断路径不做匹配。
func routeBySite(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		if isDiagnosticsPath(c) {
			return c.Next()
		}
		host := strings.TrimSpace(hostHeader(c))
		route, ok := opts.Registry.Lookup(host)
		if !ok {
			return renderHostUnmapped(c, opts.Logger, host, opts.ListenPort)
		}
		c.Locals(localRoute, route)
		return c.Next()
	}
}

// jsonErrorHandler 把处理链返回的错误（含 recover 捕获的 panic）渲染为 JSON。
func jsonErrorHandler(logger *logrus.Logger) func(fiber.Ctx, error) error {
	return func(c fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
		logger.WithFields(logrus.Fields{
			"action":     "http_error",
			"path":       c.Path(),
			"status":     status,
			"request_id": RequestID(c),
		}).WithError(err).Warn("request failed")
		return c.Status(status).JSON(fiber.Map{"error": errorCode(status)})
	}
}

func errorCode(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "route_not_found"
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	case fiber.StatusBadGateway:
		return "upstream_read_failed"
	default:
		return "internal_error"
	}
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	logger.WithFields(logrus.Fields{
		"action":     "host_lookup",
		"host":       host,
		"port":       port,
		"request_id": RequestID(c),
	}).Warn("host unmapped")

	if host != "" {
		c.Set(headerUnmappedHost, host)
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

func hostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func routeFromContext(c fiber.Ctx) (*SiteRoute, bool) {
	route, ok := c.Locals(localRoute).(*SiteRoute)
	return route, ok && route != nil
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(localRequestID).(string)
	return reqID
}

func isDiagnosticsPath(c fiber.Ctx) bool {
	return strings.HasPrefix(string(c.Request().URI().Path()), DiagnosticsPrefix)
}
