package multipart

import (
	"net/http"
	"net/url"

	"github.com/any-hub/pkghub/internal/channel"
)

// Part 是包内的一个子资源。Converter 在投递 OnStartRequest 前构造 Part，之后只读。
type Part struct {
	base      channel.Request
	header    http.Header
	rawHeader []byte
	preamble  []byte
	index     int
	last      bool
}

// URL 返回包 URL，子资源 URL 由调用方结合 ContentLocation 计算。
func (p *Part) URL() *url.URL { return p.base.URL() }

// BaseChannel 返回包级响应，底层请求不是 channel.Response 时为 nil。
func (p *Part) BaseChannel() channel.Response {
	resp, _ := p.base.(channel.Response)
	return resp
}

// Header 返回 part 自身的头部。
func (p *Part) Header() http.Header { return p.header }

// ContentLocation 返回 part 的 Content-Location 头。
func (p *Part) ContentLocation() string { return p.header.Get("Content-Location") }

// IsLastPart 表示该 part 是否为包内最后一个；仅在 OnStopRequest 时可靠。
func (p *Part) IsLastPart() bool { return p.last }

// OriginalResponseHeader 返回 part 头部的原始字节（含结尾空行），签名覆盖这部分内容。
func (p *Part) OriginalResponseHeader() []byte { return p.rawHeader }

// Preamble 返回第一个边界之前的包头文本。
func (p *Part) Preamble() []byte { return p.preamble }

// Index 返回 part 在包内的序号，从 0 开始。
func (p *Part) Index() int { return p.index }
