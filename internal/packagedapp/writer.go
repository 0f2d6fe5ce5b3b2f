package packagedapp

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/any-hub/pkghub/internal/cache"
)

// 资源缓存条目的元数据键。
const (
	MetaRequestMethod = "request-method"
	MetaResponseHead  = "response-head"
)

// MetaPackageIdentifier 记录在包级缓存条目上，同一个包的标识不允许在两次下载之间改变。
const MetaPackageIdentifier = "package-identifier"

var errWriterClosed = errors.New("cache entry writer closed")

// CacheEntryWriter 把单个 part 写入它自己的缓存条目，生命周期不超过一个 part。
type CacheEntryWriter struct {
	entry *cache.Handle
	out   io.WriteCloser
}

// NewCacheEntryWriter 截断打开 key 对应的条目，并先把它标记为长期有效，
// 内容确认后由 CallCallbacks 调用 ForceValidFor(0) 恢复正常校验。
func NewCacheEntryWriter(storage cache.Storage, key string) (*CacheEntryWriter, error) {
	entry, err := storage.OpenTruncate(key)
	if err != nil {
		return nil, err
	}
	if err := entry.ForceValidFor(cache.MaxValidity); err != nil {
		_ = entry.Doom()
		return nil, err
	}
	return &CacheEntryWriter{entry: entry}, nil
}

// OnStartRequest 写入 part 的元数据并打开输出流。
func (w *CacheEntryWriter) OnStartRequest(part MultipartRequest) error {
	base := part.BaseChannel()
	if base == nil {
		return ErrInvalidArgument
	}

	head := part.Header().Clone()
	if head == nil {
		head = http.Header{}
	}

	size := int64(-1)
	if raw := head.Get("Content-Length"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed >= 0 {
			size = parsed
		}
	}
	w.entry.SetPredictedDataSize(size)

	if err := w.entry.SetMetaDataElement(MetaRequestMethod, "GET"); err != nil {
		return err
	}
	w.entry.SetSecurityInfo(base.SecurityInfo())
	CopyPackageHeaders(head, base.Header())

	if err := w.entry.SetMetaDataElement(MetaResponseHead, FlattenResponseHead(partStatusLine, head)); err != nil {
		return err
	}

	out, err := w.entry.OpenOutputStream()
	if err != nil {
		return err
	}
	w.out = out
	return nil
}

// ConsumeData 原样写入输出流。
func (w *CacheEntryWriter) ConsumeData(data []byte) error {
	if w.out == nil {
		return errWriterClosed
	}
	_, err := w.out.Write(data)
	return err
}

// OnStopRequest 关闭输出流并提交条目；status 非空时作废条目。
func (w *CacheEntryWriter) OnStopRequest(status error) error {
	out := w.out
	w.out = nil
	if status != nil {
		if w.entry != nil {
			_ = w.entry.Doom()
		}
		return nil
	}
	if out == nil {
		return errWriterClosed
	}
	return out.Close()
}

// Abort 丢弃未完成的条目。
func (w *CacheEntryWriter) Abort() {
	w.out = nil
	if w.entry != nil {
		_ = w.entry.Doom()
	}
}

// TakeEntry 移交条目句柄，之后 writer 不再持有它。
func (w *CacheEntryWriter) TakeEntry() *cache.Handle {
	entry := w.entry
	w.entry = nil
	return entry
}
