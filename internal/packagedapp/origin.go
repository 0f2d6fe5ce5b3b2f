package packagedapp

import (
	"net/url"
	"strings"
)

const (
	originSuffixSeparator = "^"
	signedPkgAttribute    = "signedPkg"
)

// LoadContext 描述发起请求的加载上下文，决定缓存命名空间与包 key 的前缀。
type LoadContext struct {
	Anonymous bool
	Private   bool
	// OriginAttributes 为 key=value&key=value 形式，可带或不带前导 "^"。
	OriginAttributes string
}

// KeyPrefix 依次编码匿名（a,）、隐私（p,）与来源属性（O^attrs,）。
func (lc *LoadContext) KeyPrefix() string {
	if lc == nil {
		return ""
	}
	var b strings.Builder
	if lc.Anonymous {
		b.WriteString("a,")
	}
	if lc.Private {
		b.WriteString("p,")
	}
	if attrs := strings.TrimPrefix(lc.OriginAttributes, originSuffixSeparator); attrs != "" {
		b.WriteString("O")
		b.WriteString(originSuffixSeparator)
		b.WriteString(attrs)
		b.WriteString(",")
	}
	return b.String()
}

// PackageKey 返回加载上下文前缀与包 URL 组成的 key。
func PackageKey(lc *LoadContext, pkg *url.URL) string {
	return lc.KeyPrefix() + ":" + SpecIgnoringRef(pkg)
}

// AddPackageIDToOrigin 在来源的 "^" 属性后缀中写入 signedPkg=<id>。
// 来源格式不合法时返回原值与 false。
func AddPackageIDToOrigin(origin, packageID string) (string, bool) {
	base, suffix, hasSuffix := strings.Cut(origin, originSuffixSeparator)
	if base == "" || strings.Contains(suffix, originSuffixSeparator) {
		return origin, false
	}
	attrs := url.Values{}
	if hasSuffix && suffix != "" {
		parsed, err := url.ParseQuery(suffix)
		if err != nil {
			return origin, false
		}
		attrs = parsed
	}
	if packageID == "" {
		attrs.Del(signedPkgAttribute)
	} else {
		attrs.Set(signedPkgAttribute, packageID)
	}
	encoded := attrs.Encode()
	if encoded == "" {
		return base, true
	}
	return base + originSuffixSeparator + encoded, true
}
