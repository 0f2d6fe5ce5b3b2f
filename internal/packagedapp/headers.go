package packagedapp

import (
	"bufio"
	"fmt"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	"github.com/any-hub/pkghub/internal/channel"
)

// partStatusLine 是每个 part 响应头的状态行，part 本身没有状态码。
const partStatusLine = "HTTP/1.1 200 OK"

// excludedHeaders 列出不能从包响应复制到 part 的头：它们描述的是包的传输，而不是 part 的内容。
var excludedHeaders = map[string]struct{}{
	"Authentication":      {},
	"Cache-Control":       {},
	"Connection":          {},
	"Content-Disposition": {},
	"Content-Encoding":    {},
	"Content-Language":    {},
	"Content-Length":      {},
	"Content-Location":    {},
	"Content-Md5":         {},
	"Content-Range":       {},
	"Content-Type":        {},
	"Etag":                {},
	"Last-Modified":       {},
	"Proxy-Authenticate":  {},
	"Proxy-Connection":    {},
	"Set-Cookie":          {},
	"Set-Cookie2":         {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Vary":                {},
	"Www-Authenticate":    {},
}

// CopyPackageHeaders 把包响应头补充到 part 头中：跳过排除列表与 hop-by-hop 字段，
// 且不覆盖 part 已有的字段。
func CopyPackageHeaders(dst, src http.Header) {
	for key, values := range src {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if ShouldSkipHeader(canonical) {
			continue
		}
		if _, exists := dst[canonical]; exists {
			continue
		}
		dst[canonical] = append([]string(nil), values...)
	}
}

// ShouldSkipHeader 判断包响应头是否不应出现在 part 的缓存头中。
func ShouldSkipHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	if _, excluded := excludedHeaders[canonical]; excluded {
		return true
	}
	return channel.IsHopByHopHeader(canonical)
}

// FlattenResponseHead 把状态行与头部序列化成 response-head 元数据，字段按名称排序。
func FlattenResponseHead(statusLine string, header http.Header) string {
	keys := make([]string, 0, len(header))
	for key := range header {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(statusLine)
	b.WriteString("\r\n")
	for _, key := range keys {
		for _, value := range header[key] {
			fmt.Fprintf(&b, "%s: %s\r\n", key, value)
		}
	}
	return b.String()
}

// ParseResponseHead 解析 FlattenResponseHead 的输出，返回状态码与头部。
func ParseResponseHead(head string) (int, http.Header, error) {
	reader := textproto.NewReader(bufio.NewReader(strings.NewReader(head + "\r\n")))
	statusLine, err := reader.ReadLine()
	if err != nil {
		return 0, nil, fmt.Errorf("read status line: %w", err)
	}
	_, rest, ok := strings.Cut(statusLine, " ")
	if !ok {
		return 0, nil, fmt.Errorf("malformed status line %q", statusLine)
	}
	codeText, _, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeText)
	if err != nil {
		return 0, nil, fmt.Errorf("malformed status code %q", codeText)
	}
	mimeHeader, err := reader.ReadMIMEHeader()
	if err != nil {
		return 0, nil, fmt.Errorf("read headers: %w", err)
	}
	return code, http.Header(mimeHeader), nil
}
