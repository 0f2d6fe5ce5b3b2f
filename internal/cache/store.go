package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/<namespace>/<h[:2]>/<h>.body    # 实际正文（可选 zstd 压缩）
//	<StoragePath>/<namespace>/<h[:2]>/<h>.meta    # JSON 元数据
//
// 其中 h 为条目 key 的 BLAKE3 摘要。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 将完整正文写入缓存，并产出新的 Entry 描述。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除正文与元数据文件。
	Remove(ctx context.Context, locator Locator) error

	// OpenTruncate 丢弃已有条目并返回新的写入句柄，正文在输出流关闭时才可见。
	OpenTruncate(locator Locator) (*Handle, error)

	// OpenForUpdate 返回已提交条目的句柄，仅用于更新元数据。若不存在则返回 ErrNotFound。
	OpenForUpdate(locator Locator) (*Handle, error)
}

// Options 控制 Store 的可选行为。
type Options struct {
	// Compress 为 true 时正文以 zstd 压缩落盘，读取时透明解压。
	Compress bool
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime  time.Time
	Metadata map[string]string
}

// Locator 唯一定位一个缓存条目（命名空间 + key）。
type Locator struct {
	Namespace string
	Key       string
}

// SecurityInfo 记录传输层的安全信息，随条目一起持久化。
type SecurityInfo struct {
	TLSVersion   uint16   `json:"tls_version"`
	CipherSuite  uint16   `json:"cipher_suite"`
	ServerName   string   `json:"server_name,omitempty"`
	PeerSubjects []string `json:"peer_subjects,omitempty"`
}

// Entry 表示一次缓存命中结果。
type Entry struct {
	Locator    Locator           `json:"locator"`
	FilePath   string            `json:"file_path"`
	SizeBytes  int64             `json:"size_bytes"`
	ModTime    time.Time         `json:"mod_time"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Security   *SecurityInfo     `json:"security,omitempty"`
	ValidUntil time.Time         `json:"valid_until"`
}

// MetaDataElement 返回指定元数据，不存在时返回空字符串。
func (e Entry) MetaDataElement(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// ForcedValid 表示条目当前是否处于强制有效期内。
func (e Entry) ForcedValid(now time.Time) bool {
	return now.Before(e.ValidUntil)
}

// ReadResult 组合 Entry 与正文 Reader，调用方负责关闭 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadCloser
}

// MaxValidity 近似“永久有效”，与内容确认后再调用 ForceValidFor(0) 配合使用。
const MaxValidity = time.Duration(1<<32-1) * time.Second

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrDoomed 表示写入句柄已被作废。
	ErrDoomed = errors.New("cache entry doomed")
)
