package multipart

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/any-hub/pkghub/internal/channel"
)

const (
	maxPreambleSize = 64 << 10
	maxHeaderSize   = 64 << 10
)

// ErrMalformedPackage 表示包流不符合 multipart 格式（缺失头部、头部过大或提前结束）。
var ErrMalformedPackage = errors.New("malformed package")

type state int

const (
	statePreamble state = iota
	stateHeaders
	stateBody
	stateDone
)

// Converter 把整个包的事件流拆成逐个 part 的事件流，推送给下游监听方。
// 边界优先取自 Content-Type 的 boundary 参数，缺省时从第一行以 "--" 开头的文本推断。
// 所有方法都在事件循环中调用；投递给下游的 data 只在回调期间有效。
type Converter struct {
	next     channel.StreamListener
	base     channel.Request
	boundary []byte
	delim    []byte
	state    state
	buf      []byte
	preamble []byte
	part     *Part
	parts    int
}

// NewConverter 构造 Converter。
func NewConverter(next channel.StreamListener) *Converter {
	return &Converter{next: next}
}

// OnStartRequest 记录包级请求并解析边界，part 的 start 事件在读到其头部后才投递。
func (c *Converter) OnStartRequest(req channel.Request) error {
	c.base = req
	if resp, ok := req.(channel.Response); ok {
		if boundary := boundaryFromHeader(resp.Header()); boundary != "" {
			c.setBoundary([]byte(boundary))
		}
	}
	return nil
}

// OnDataAvailable 追加数据并尽可能推进状态机。
func (c *Converter) OnDataAvailable(req channel.Request, data []byte) error {
	if c.state == stateDone {
		return nil
	}
	c.buf = append(c.buf, data...)
	for {
		var (
			progressed bool
			err        error
		)
		switch c.state {
		case statePreamble:
			progressed, err = c.scanPreamble()
		case stateHeaders:
			progressed, err = c.scanHeaders()
		case stateBody:
			progressed, err = c.scanBody()
		default:
			c.buf = nil
			return nil
		}
		if err != nil || !progressed {
			return err
		}
	}
}

// OnStopRequest 结束当前 part。未读到任何 part 头部时把包级请求原样转发给下游，
// 下游据此把它当作唯一（也是最后）的非 multipart 响应处理。
func (c *Converter) OnStopRequest(req channel.Request, status error) {
	switch c.state {
	case stateDone:
	case stateBody:
		if len(c.buf) > 0 {
			_ = c.next.OnDataAvailable(c.part, c.buf)
		}
		if status == nil {
			status = io.ErrUnexpectedEOF
		}
		c.part.last = true
		c.next.OnStopRequest(c.part, status)
	default:
		if status == nil && (c.parts > 0 || c.state == stateHeaders) {
			status = ErrMalformedPackage
		}
		base := c.base
		if base == nil {
			base = req
		}
		_ = c.next.OnStartRequest(base)
		c.next.OnStopRequest(base, status)
	}
	c.state = stateDone
	c.part = nil
	c.buf = nil
}

func (c *Converter) setBoundary(boundary []byte) {
	c.boundary = append([]byte("--"), boundary...)
	c.delim = append([]byte("\n"), c.boundary...)
}

func (c *Converter) scanPreamble() (bool, error) {
	if c.boundary == nil && !c.sniffBoundary() {
		return false, c.checkSize(maxPreambleSize, "preamble")
	}
	start := c.indexBoundaryLine()
	if start < 0 {
		return false, c.checkSize(maxPreambleSize, "preamble")
	}
	consumed, last, ok := boundaryTail(c.buf[start+len(c.boundary):])
	if !ok {
		return false, nil
	}
	c.preamble = append([]byte(nil), bytes.TrimRight(c.buf[:start], "\r\n")...)
	c.advance(start + len(c.boundary) + consumed)
	if last {
		c.state = stateDone
	} else {
		c.state = stateHeaders
	}
	return true, nil
}

func (c *Converter) sniffBoundary() bool {
	for off := 0; off < len(c.buf); {
		end := bytes.IndexByte(c.buf[off:], '\n')
		if end < 0 {
			return false
		}
		line := bytes.TrimRight(c.buf[off:off+end], "\r")
		if bytes.HasPrefix(line, []byte("--")) {
			if name := bytes.TrimSpace(line[2:]); len(name) > 0 {
				c.setBoundary(name)
				return true
			}
		}
		off += end + 1
	}
	return false
}

func (c *Converter) indexBoundaryLine() int {
	if bytes.HasPrefix(c.buf, c.boundary) {
		return 0
	}
	if i := bytes.Index(c.buf, c.delim); i >= 0 {
		return i + 1
	}
	return -1
}

func (c *Converter) scanHeaders() (bool, error) {
	end := headerEnd(c.buf)
	if end < 0 {
		return false, c.checkSize(maxHeaderSize, "part header")
	}
	raw := append([]byte(nil), c.buf[:end]...)
	header, err := parseHeader(raw)
	if err != nil {
		return false, fmt.Errorf("%w: part %d header: %v", ErrMalformedPackage, c.parts, err)
	}
	c.advance(end)
	c.part = &Part{
		base:      c.base,
		header:    header,
		rawHeader: raw,
		preamble:  c.preamble,
		index:     c.parts,
	}
	c.parts++
	c.state = stateBody
	if err := c.next.OnStartRequest(c.part); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Converter) scanBody() (bool, error) {
	i := bytes.Index(c.buf, c.delim)
	if i < 0 {
		// 末尾可能是分隔符的前缀（含前导 \r），保留到下一次。
		return false, c.emitPrefix(len(c.buf) - len(c.delim) - 1)
	}
	bodyEnd := i
	if i > 0 && c.buf[i-1] == '\r' {
		bodyEnd--
	}
	consumed, last, ok := boundaryTail(c.buf[i+len(c.delim):])
	if !ok {
		return false, c.emitPrefix(bodyEnd)
	}
	if bodyEnd > 0 {
		if err := c.next.OnDataAvailable(c.part, c.buf[:bodyEnd]); err != nil {
			return false, err
		}
	}
	part := c.part
	part.last = last
	c.part = nil
	c.advance(i + len(c.delim) + consumed)
	if last {
		c.state = stateDone
	} else {
		c.state = stateHeaders
	}
	c.next.OnStopRequest(part, nil)
	return true, nil
}

func (c *Converter) emitPrefix(n int) error {
	if n <= 0 {
		return nil
	}
	if err := c.next.OnDataAvailable(c.part, c.buf[:n]); err != nil {
		return err
	}
	c.advance(n)
	return nil
}

func (c *Converter) advance(n int) {
	c.buf = append(c.buf[:0], c.buf[n:]...)
}

func (c *Converter) checkSize(limit int, what string) error {
	if len(c.buf) > limit {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrMalformedPackage, what, limit)
	}
	return nil
}

// boundaryTail 解析边界标记之后到行尾的内容，返回消耗的字节数以及是否为结束边界。
func boundaryTail(rest []byte) (int, bool, bool) {
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 {
		if bytes.HasPrefix(rest, []byte("--")) {
			return len(rest), true, true
		}
		return 0, false, false
	}
	tail := bytes.TrimSpace(rest[:nl])
	return nl + 1, bytes.HasPrefix(tail, []byte("--")), true
}

// headerEnd 返回头部块（含结尾空行）的长度，尚未读完时返回 -1。
func headerEnd(buf []byte) int {
	if bytes.HasPrefix(buf, []byte("\r\n")) {
		return 2
	}
	if bytes.HasPrefix(buf, []byte("\n")) {
		return 1
	}
	end := -1
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
		end = i + 4
	}
	if i := bytes.Index(buf, []byte("\n\n")); i >= 0 && (end < 0 || i+2 < end) {
		end = i + 2
	}
	return end
}

func parseHeader(raw []byte) (http.Header, error) {
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	mimeHeader, err := reader.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return http.Header(mimeHeader), nil
}

func boundaryFromHeader(header http.Header) string {
	if header == nil {
		return ""
	}
	contentType := header.Get("Content-Type")
	if contentType == "" {
		return ""
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	if !strings.HasPrefix(mediaType, "multipart/") && mediaType != "application/package" {
		return ""
	}
	return params["boundary"]
}
