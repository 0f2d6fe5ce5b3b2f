package packagedapp

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// PackagedAppToken 分隔包路径与包内资源路径，例如 /apps/app.pkg!//css/style.css。
const PackagedAppToken = "!//"

// GetPackageURI 从子资源 URL 中取出包 URL：去掉分隔符之后的部分以及查询串和片段。
func GetPackageURI(u *url.URL) (*url.URL, error) {
	if u == nil {
		return nil, ErrInvalidArgument
	}
	idx := strings.Index(u.Path, PackagedAppToken)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %q has no %s", ErrInvalidArgument, u.Path, PackagedAppToken)
	}
	return &url.URL{
		Scheme: u.Scheme,
		User:   u.User,
		Host:   u.Host,
		Path:   u.Path[:idx],
	}, nil
}

// ComposeSubresourceURI 拼出包内资源的 URL，是 GetPackageURI 的逆操作。
// location 通常取自 part 的 Content-Location，会先规范化为相对包根的路径。
func ComposeSubresourceURI(pkg *url.URL, location string) *url.URL {
	return &url.URL{
		Scheme: pkg.Scheme,
		User:   pkg.User,
		Host:   pkg.Host,
		Path:   pkg.Path + PackagedAppToken + NormalizeLocation(location),
	}
}

// CanonicalResourceURI 按 part 的命名规则重建请求的资源 URL（保留查询串），
// 使 "./a.css"、"css/../a.css" 与 "/a.css" 都落到同一个回调 key 上。
func CanonicalResourceURI(pkg, u *url.URL) *url.URL {
	canonical := ComposeSubresourceURI(pkg, ResourcePath(u))
	canonical.RawQuery = u.RawQuery
	return canonical
}

// NormalizeLocation 消除 "."、".." 与重复斜杠，并去掉开头的斜杠。
func NormalizeLocation(location string) string {
	if i := strings.IndexAny(location, "?#"); i >= 0 {
		location = location[:i]
	}
	cleaned := path.Clean("/" + location)
	return strings.TrimPrefix(cleaned, "/")
}

// ResourcePath 返回分隔符之后的资源路径，不含分隔符时返回空字符串。
func ResourcePath(u *url.URL) string {
	if u == nil {
		return ""
	}
	idx := strings.Index(u.Path, PackagedAppToken)
	if idx < 0 {
		return ""
	}
	return u.Path[idx+len(PackagedAppToken):]
}

// SpecIgnoringRef 返回不含片段的规范 URL 字符串，用作回调表与缓存条目的 key。
// 路径按原样输出，"!" 不会被转义成 %21。
func SpecIgnoringRef(u *url.URL) string {
	if u == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(strings.ToLower(u.Scheme))
	b.WriteString("://")
	if u.User != nil {
		b.WriteString(u.User.String())
		b.WriteByte('@')
	}
	b.WriteString(strings.ToLower(u.Host))
	if u.Path == "" {
		b.WriteByte('/')
	} else {
		b.WriteString(u.Path)
	}
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	return b.String()
}
