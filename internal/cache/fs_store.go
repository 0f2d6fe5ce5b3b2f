package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

const (
	bodySuffix      = ".body"
	metaSuffix      = ".meta"
	encodingZstd    = "zstd"
	defaultNSDir    = "_default"
	namespacePrefix = "ns-"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string, opts Options) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		compress: opts.Compress,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发提交，同时复用 basePath。
type fileStore struct {
	basePath string
	compress bool

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 是 .meta 文件的落盘格式。
type entryMeta struct {
	Namespace  string            `json:"namespace"`
	Key        string            `json:"key"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Security   *SecurityInfo     `json:"security,omitempty"`
	Predicted  int64             `json:"predicted_size"`
	Size       int64             `json:"size"`
	Encoding   string            `json:"encoding,omitempty"`
	ModTime    time.Time         `json:"mod_time"`
	ValidUntil time.Time         `json:"valid_until"`
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	bodyPath, metaPath, err := s.paths(locator)
	if err != nil {
		return nil, err
	}

	meta, err := readMeta(metaPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var reader io.ReadCloser = f
	if meta.Encoding == encodingZstd {
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open zstd body: %w", err)
		}
		reader = &zstdReadCloser{dec: dec, file: f}
	}

	return &ReadResult{
		Entry:  meta.entry(locator, bodyPath),
		Reader: reader,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	handle, err := s.OpenTruncate(locator)
	if err != nil {
		return nil, err
	}
	for key, value := range opts.Metadata {
		if err := handle.SetMetaDataElement(key, value); err != nil {
			return nil, err
		}
	}

	out, err := handle.OpenOutputStream()
	if err != nil {
		return nil, err
	}
	if _, err := copyWithContext(ctx, out, body); err != nil {
		handle.Doom()
		return nil, err
	}
	if err := out.Close(); err != nil {
		handle.Doom()
		return nil, err
	}

	if !opts.ModTime.IsZero() {
		if err := handle.setModTime(opts.ModTime); err != nil {
			return nil, err
		}
	}

	entry := handle.Entry()
	return &entry, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	unlock, err := s.lockEntry(locator)
	if err != nil {
		return err
	}
	defer unlock()

	return s.removeFiles(locator)
}

func (s *fileStore) OpenTruncate(locator Locator) (*Handle, error) {
	bodyPath, _, err := s.paths(locator)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lockEntry(locator)
	if err != nil {
		return nil, err
	}
	err = s.removeFiles(locator)
	unlock()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(bodyPath), 0o755); err != nil {
		return nil, err
	}

	return &Handle{
		store:     s,
		locator:   locator,
		meta:      make(map[string]string),
		predicted: -1,
	}, nil
}

func (s *fileStore) OpenForUpdate(locator Locator) (*Handle, error) {
	_, metaPath, err := s.paths(locator)
	if err != nil {
		return nil, err
	}
	meta, err := readMeta(metaPath)
	if err != nil {
		return nil, err
	}
	if meta.Metadata == nil {
		meta.Metadata = make(map[string]string)
	}
	return &Handle{
		store:      s,
		locator:    locator,
		meta:       meta.Metadata,
		security:   meta.Security,
		predicted:  meta.Predicted,
		size:       meta.Size,
		encoding:   meta.Encoding,
		modTime:    meta.ModTime,
		validUntil: meta.ValidUntil,
		committed:  true,
	}, nil
}

func (s *fileStore) removeFiles(locator Locator) error {
	bodyPath, metaPath, err := s.paths(locator)
	if err != nil {
		return err
	}
	for _, p := range []string{metaPath, bodyPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) lockEntry(locator Locator) (func(), error) {
	if locator.Key == "" {
		return nil, errors.New("cache key required")
	}
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}, nil
}

// paths 将 Locator 映射为正文与元数据文件路径，文件名取 key 的 BLAKE3 摘要，
// 避免 URI 中的 "!//"、查询串等字符影响磁盘布局。
func (s *fileStore) paths(locator Locator) (string, string, error) {
	if locator.Key == "" {
		return "", "", errors.New("cache key required")
	}

	digest := hashHex(locator.Key)
	dir := filepath.Join(s.basePath, namespaceDir(locator.Namespace), digest[:2])
	base := filepath.Join(dir, digest)
	return base + bodySuffix, base + metaSuffix, nil
}

func (s *fileStore) writeMeta(locator Locator, meta entryMeta) error {
	_, metaPath, err := s.paths(locator)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(metaPath), ".meta-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, metaPath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func readMeta(metaPath string) (entryMeta, error) {
	var meta entryMeta
	info, err := os.Stat(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return meta, ErrNotFound
		}
		return meta, err
	}
	if info.IsDir() {
		return meta, ErrNotFound
	}
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return meta, ErrNotFound
		}
		return meta, err
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("decode cache metadata: %w", err)
	}
	return meta, nil
}

func (m entryMeta) entry(locator Locator, bodyPath string) Entry {
	return Entry{
		Locator:    locator,
		FilePath:   bodyPath,
		SizeBytes:  m.Size,
		ModTime:    m.ModTime,
		Metadata:   m.Metadata,
		Security:   m.Security,
		ValidUntil: m.ValidUntil,
	}
}

type zstdReadCloser struct {
	dec  *zstd.Decoder
	file *os.File
}

func (r *zstdReadCloser) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

func (r *zstdReadCloser) Close() error {
	r.dec.Close()
	return r.file.Close()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func hashHex(value string) string {
	sum := blake3.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func namespaceDir(namespace string) string {
	if namespace == "" {
		return defaultNSDir
	}
	return namespacePrefix + hashHex(namespace)[:16]
}

func locatorKey(locator Locator) string {
	return locator.Namespace + "::" + locator.Key
}
