package cache

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Handle 是单个缓存条目的写入句柄。OpenTruncate 返回的句柄在输出流关闭前对读者不可见；
// 提交之后对元数据与有效期的修改会立即落盘。
type Handle struct {
	store   *fileStore
	locator Locator

	mu         sync.Mutex
	meta       map[string]string
	security   *SecurityInfo
	predicted  int64
	size       int64
	encoding   string
	modTime    time.Time
	validUntil time.Time
	committed  bool
	doomed     bool
	out        *entryOutput
}

var errStreamOpen = errors.New("cache output stream already opened")

// Key 返回条目 key。
func (h *Handle) Key() string {
	return h.locator.Key
}

// SetMetaDataElement 设置一条元数据。
func (h *Handle) SetMetaDataElement(key, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.doomed {
		return ErrDoomed
	}
	h.meta[key] = value
	if h.committed {
		return h.persistLocked()
	}
	return nil
}

// MetaDataElement 返回一条元数据，不存在时返回空字符串。
func (h *Handle) MetaDataElement(key string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.meta[key]
}

// SetPredictedDataSize 记录预期正文大小，未知时传 -1。
func (h *Handle) SetPredictedDataSize(size int64) {
	h.mu.Lock()
	h.predicted = size
	h.mu.Unlock()
}

// SetSecurityInfo 记录传输层安全信息，nil 表示明文传输。
func (h *Handle) SetSecurityInfo(info *SecurityInfo) {
	h.mu.Lock()
	h.security = info
	h.mu.Unlock()
}

// ForceValidFor 将条目标记为在 d 时间内无需再验证；d <= 0 清除强制有效期。
func (h *Handle) ForceValidFor(d time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.doomed {
		return ErrDoomed
	}
	if d <= 0 {
		h.validUntil = time.Time{}
	} else {
		h.validUntil = time.Now().UTC().Add(d)
	}
	if h.committed {
		return h.persistLocked()
	}
	return nil
}

// OpenOutputStream 打开正文输出流，关闭输出流即提交条目。
func (h *Handle) OpenOutputStream() (io.WriteCloser, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.doomed {
		return nil, ErrDoomed
	}
	if h.out != nil {
		return nil, errStreamOpen
	}

	bodyPath, _, err := h.store.paths(h.locator)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(bodyPath), 0o755); err != nil {
		return nil, err
	}
	tempFile, err := os.CreateTemp(filepath.Dir(bodyPath), ".cache-*")
	if err != nil {
		return nil, err
	}

	out := &entryOutput{handle: h, file: tempFile}
	if h.store.compress {
		enc, err := zstd.NewWriter(tempFile)
		if err != nil {
			tempFile.Close()
			os.Remove(tempFile.Name())
			return nil, err
		}
		out.enc = enc
	}
	h.out = out
	return out, nil
}

// Doom 作废条目：丢弃未提交的正文并删除已落盘文件。
func (h *Handle) Doom() error {
	h.mu.Lock()
	h.doomed = true
	out := h.out
	h.mu.Unlock()

	if out != nil {
		out.abort()
	}

	unlock, err := h.store.lockEntry(h.locator)
	if err != nil {
		return err
	}
	defer unlock()
	return h.store.removeFiles(h.locator)
}

// Entry 返回当前条目描述的快照。
func (h *Handle) Entry() Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	bodyPath, _, _ := h.store.paths(h.locator)
	return h.metaLocked().entry(h.locator, bodyPath)
}

func (h *Handle) setModTime(modTime time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modTime = modTime.UTC()
	bodyPath, _, err := h.store.paths(h.locator)
	if err != nil {
		return err
	}
	if err := os.Chtimes(bodyPath, h.modTime, h.modTime); err != nil {
		return err
	}
	return h.persistLocked()
}

func (h *Handle) commit(tempName string, written int64, encoding string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.doomed {
		os.Remove(tempName)
		return ErrDoomed
	}

	bodyPath, _, err := h.store.paths(h.locator)
	if err != nil {
		os.Remove(tempName)
		return err
	}

	unlock, err := h.store.lockEntry(h.locator)
	if err != nil {
		os.Remove(tempName)
		return err
	}
	defer unlock()

	if err := os.Rename(tempName, bodyPath); err != nil {
		os.Remove(tempName)
		return err
	}

	h.size = written
	h.encoding = encoding
	h.modTime = time.Now().UTC()
	if err := h.store.writeMeta(h.locator, h.metaLocked()); err != nil {
		os.Remove(bodyPath)
		return err
	}
	h.committed = true
	return nil
}

func (h *Handle) persistLocked() error {
	unlock, err := h.store.lockEntry(h.locator)
	if err != nil {
		return err
	}
	defer unlock()
	return h.store.writeMeta(h.locator, h.metaLocked())
}

func (h *Handle) metaLocked() entryMeta {
	meta := make(map[string]string, len(h.meta))
	for k, v := range h.meta {
		meta[k] = v
	}
	return entryMeta{
		Namespace:  h.locator.Namespace,
		Key:        h.locator.Key,
		Metadata:   meta,
		Security:   h.security,
		Predicted:  h.predicted,
		Size:       h.size,
		Encoding:   h.encoding,
		ModTime:    h.modTime,
		ValidUntil: h.validUntil,
	}
}

// entryOutput 写入临时文件，Close 时 rename 到正式路径并写入元数据。
type entryOutput struct {
	handle  *Handle
	file    *os.File
	enc     *zstd.Encoder
	written int64
	closed  bool
}

func (o *entryOutput) Write(p []byte) (int, error) {
	if o.closed {
		return 0, os.ErrClosed
	}
	var (
		n   int
		err error
	)
	if o.enc != nil {
		n, err = o.enc.Write(p)
	} else {
		n, err = o.file.Write(p)
	}
	o.written += int64(n)
	return n, err
}

func (o *entryOutput) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true

	encoding := ""
	var err error
	if o.enc != nil {
		encoding = encodingZstd
		err = o.enc.Close()
	}
	if closeErr := o.file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(o.file.Name())
		return err
	}
	return o.handle.commit(o.file.Name(), o.written, encoding)
}

func (o *entryOutput) abort() {
	if o.closed {
		return
	}
	o.closed = true
	if o.enc != nil {
		o.enc.Close()
	}
	o.file.Close()
	os.Remove(o.file.Name())
}
