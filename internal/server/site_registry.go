package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/pkghub/internal/config"
	"github.com/any-hub/pkghub/internal/packagedapp"
)

// SiteRoute 将站点配置与派生属性（解析后的 Upstream、加载上下文与来源）聚合在一起，
// 供路由/代理层直接复用，避免重复解析配置。
type SiteRoute struct {
	// Config 是用户在 config.toml 中声明的站点字段副本。
	Config config.SiteConfig
	// ListenPort 记录当前 CLI 监听端口，方便日志输出。
	ListenPort int
	// UpstreamURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
	// LoadContext 决定该站点的缓存命名空间与包 key 前缀。
	LoadContext *packagedapp.LoadContext
	// Origin 是上游来源，带有站点配置的来源属性后缀。
	Origin string
}

// SiteRegistry 提供 Host/Host:port 到 SiteRoute 的查询能力，所有站点共享同一个监听端口。
type SiteRegistry struct {
	routes  map[string]*SiteRoute
	ordered []*SiteRoute
}

// NewSiteRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewSiteRegistry(cfg *config.Config) (*SiteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &SiteRegistry{
		routes: make(map[string]*SiteRoute, len(cfg.Sites)),
	}

	for _, site := range cfg.Sites {
		normalizedHost := normalizeDomain(site.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for site %s", site.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildSiteRoute(cfg, site)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 SiteRoute。
func (r *SiteRegistry) Lookup(host string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// List 返回当前注册的 SiteRoute 列表（按配置定义的顺序），用于诊断输出。
func (r *SiteRegistry) List() []SiteRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]SiteRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func buildSiteRoute(cfg *config.Config, site config.SiteConfig) (*SiteRoute, error) {
	upstreamURL, err := url.Parse(site.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for site %s: %w", site.Name, err)
	}
	if upstreamURL.Scheme == "" || upstreamURL.Host == "" {
		return nil, fmt.Errorf("invalid upstream for site %s: missing scheme or host", site.Name)
	}

	attrs := strings.TrimPrefix(site.OriginAttributes, "^")
	origin := strings.ToLower(upstreamURL.Scheme) + "://" + strings.ToLower(upstreamURL.Host)
	if attrs != "" {
		origin += "^" + attrs
	}

	return &SiteRoute{
		Config:      site,
		ListenPort:  cfg.Global.ListenPort,
		UpstreamURL: upstreamURL,
		LoadContext: &packagedapp.LoadContext{
			Anonymous:        site.Anonymous,
			Private:          site.Private,
			OriginAttributes: attrs,
		},
		Origin: origin,
	}, nil
}

// PackageURL 把请求路径映射到上游 URL：上游路径前缀加请求路径，不保留查询串。
func (r *SiteRoute) PackageURL(requestPath string) *url.URL {
	base := strings.TrimSuffix(r.UpstreamURL.Path, "/")
	if !strings.HasPrefix(requestPath, "/") {
		requestPath = "/" + requestPath
	}
	return &url.URL{
		Scheme: r.UpstreamURL.Scheme,
		User:   r.UpstreamURL.User,
		Host:   r.UpstreamURL.Host,
		Path:   base + requestPath,
	}
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
