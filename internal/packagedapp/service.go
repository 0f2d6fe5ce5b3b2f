package packagedapp

import (
	"net/http"
	"net/url"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/pkghub/internal/cache"
	"github.com/any-hub/pkghub/internal/channel"
	"github.com/any-hub/pkghub/internal/multipart"
)

// ChannelFactory 创建下载整个包的通道，channel.Factory 满足该接口。
type ChannelFactory interface {
	NewChannel(u *url.URL, opts channel.Options) (channel.Opener, error)
}

// ResourceRequest 描述一次包内资源请求。
type ResourceRequest struct {
	// URL 为包含 PackagedAppToken 的子资源 URL。
	URL *url.URL
	// Origin 为请求方来源，签名包安装时会附加 signedPkg 属性。
	Origin      string
	LoadContext *LoadContext
	// Header 附加到包下载请求上。
	Header http.Header
}

// Options 汇总 Service 的依赖。
type Options struct {
	Store     cache.Store
	Channels  ChannelFactory
	Verifiers VerifierFactory
	Installer Installer
	Logger    *logrus.Logger
}

// Service 维护包 key 到进行中下载器的映射，保证同一个包同时只有一次下载。
type Service struct {
	store       cache.Store
	channels    ChannelFactory
	verifiers   VerifierFactory
	installer   Installer
	logger      *logrus.Logger
	downloading map[string]*Downloader
}

// PackageStatus 是进行中下载的诊断快照。
type PackageStatus struct {
	Key       string   `json:"key"`
	FromCache bool     `json:"from_cache"`
	Pending   []string `json:"pending"`
	Resolved  int      `json:"resolved"`
}

// NewService 构造 Service。
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		store:       opts.Store,
		channels:    opts.Channels,
		verifiers:   opts.Verifiers,
		installer:   opts.Installer,
		logger:      logger,
		downloading: make(map[string]*Downloader),
	}
}

// GetResource 请求包内资源。同一个包已在下载时加入其等待队列，否则发起新的下载。
// 返回错误时 cb 不会被调用，也不会留下任何注册状态；返回 nil 时 cb 恰好被调用一次。
func (s *Service) GetResource(req *ResourceRequest, cb cache.OpenCallback) error {
	if req == nil || cb == nil || req.URL == nil {
		return ErrInvalidArgument
	}
	if req.Origin == "" {
		return ErrMissingPrincipal
	}
	if req.LoadContext == nil {
		return ErrMissingLoadContext
	}

	packageURI, err := GetPackageURI(req.URL)
	if err != nil {
		return err
	}
	key := PackageKey(req.LoadContext, packageURI)
	resourceURI := CanonicalResourceURI(packageURI, req.URL)

	if downloader, ok := s.downloading[key]; ok {
		downloader.AddCallback(resourceURI, cb)
		return nil
	}

	storage := cache.NewStorage(s.store, req.LoadContext.KeyPrefix())
	// 包内每个资源都有自己的缓存条目，包本身只缓存响应头。
	ch, err := s.channels.NewChannel(packageURI, channel.Options{
		Storage:           storage,
		CacheOnlyMetadata: true,
		Header:            req.Header,
		PreserveMetadata:  []string{MetaPackageIdentifier},
	})
	if err != nil {
		return err
	}

	downloader := newDownloader(downloaderOptions{
		notifier:    s,
		storage:     storage,
		key:         key,
		origin:      req.Origin,
		newVerifier: s.verifiers,
		installer:   s.installer,
		logger:      s.logger,
	})
	// 先登记回调再打开通道，首个请求方不会错过结果。
	downloader.AddCallback(resourceURI, cb)
	s.downloading[key] = downloader

	listener := NewChannelListener(downloader, multipart.NewConverter(downloader))
	if err := ch.AsyncOpen(listener); err != nil {
		s.NotifyPackageDownloaded(key, downloader)
		return err
	}
	s.logger.WithField("package_key", key).Debug("package download started")
	return nil
}

// NotifyPackageDownloaded 注销下载器；key 已指向更新的下载器时不做任何事。
func (s *Service) NotifyPackageDownloaded(key string, d *Downloader) {
	if current, ok := s.downloading[key]; ok && current == d {
		delete(s.downloading, key)
		s.logger.WithField("package_key", key).Debug("package download finished")
	}
}

// ActivePackages 返回进行中的下载，按 key 排序。
func (s *Service) ActivePackages() []PackageStatus {
	result := make([]PackageStatus, 0, len(s.downloading))
	for key, d := range s.downloading {
		result = append(result, PackageStatus{
			Key:       key,
			FromCache: d.isFromCache,
			Pending:   d.PendingResources(),
			Resolved:  d.ResolvedCount(),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}
