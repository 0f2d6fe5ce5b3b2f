package cache

import (
	"context"
	"errors"
)

// ErrStoreUnavailable 表示当前 Storage 未注入缓存存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// OpenFlags 控制 AsyncOpen 的打开方式。
type OpenFlags uint32

const (
	// OpenReadOnly 只打开已提交的条目，不存在时回调 ErrNotFound，绝不创建新条目。
	OpenReadOnly OpenFlags = 1 << iota
)

// OpenCallback 接收一次打开的结果：成功时 result 非空且 err 为 nil，调用方负责关闭
// result.Reader；失败时 result 为 nil。回调可能在任意 goroutine 中执行。
type OpenCallback func(result *ReadResult, err error)

// Storage 是按命名空间（加载上下文前缀）隔离的缓存视图。
type Storage struct {
	store     Store
	namespace string
}

// NewStorage 构造命名空间视图。
func NewStorage(store Store, namespace string) Storage {
	return Storage{
		store:     store,
		namespace: namespace,
	}
}

// Enabled 返回当前是否具备缓存能力。
func (s Storage) Enabled() bool {
	return s.store != nil
}

// Namespace 返回视图的命名空间。
func (s Storage) Namespace() string {
	return s.namespace
}

// OpenTruncate 为 key 打开一个截断写入句柄。
func (s Storage) OpenTruncate(key string) (*Handle, error) {
	if s.store == nil {
		return nil, ErrStoreUnavailable
	}
	return s.store.OpenTruncate(s.locator(key))
}

// OpenForUpdate 打开已提交条目以更新元数据。
func (s Storage) OpenForUpdate(key string) (*Handle, error) {
	if s.store == nil {
		return nil, ErrStoreUnavailable
	}
	return s.store.OpenForUpdate(s.locator(key))
}

// Open 同步打开已提交条目。
func (s Storage) Open(ctx context.Context, key string) (*ReadResult, error) {
	if s.store == nil {
		return nil, ErrStoreUnavailable
	}
	return s.store.Get(ctx, s.locator(key))
}

// AsyncOpen 在独立 goroutine 中打开条目并回调，回调恰好执行一次。
// 目前只支持 OpenReadOnly。
func (s Storage) AsyncOpen(key string, flags OpenFlags, cb OpenCallback) {
	if cb == nil {
		return
	}
	if flags&OpenReadOnly == 0 {
		go cb(nil, errors.New("cache: only read-only open is supported"))
		return
	}
	go func() {
		result, err := s.Open(context.Background(), key)
		if err != nil {
			cb(nil, err)
			return
		}
		cb(result, nil)
	}()
}

func (s Storage) locator(key string) Locator {
	return Locator{Namespace: s.namespace, Key: key}
}
