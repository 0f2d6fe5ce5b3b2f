package packagedapp

import (
	"errors"
	"net/url"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/pkghub/internal/cache"
	"github.com/any-hub/pkghub/internal/channel"
	"github.com/any-hub/pkghub/internal/logging"
)

// downloadNotifier 由 Service 实现，下载结束时注销下载器。
type downloadNotifier interface {
	NotifyPackageDownloaded(key string, d *Downloader)
}

// callbackEntry 是回调表中一个资源的状态：pending 时按注册顺序保存等待方，
// resolved 之后的 AddCallback 直接从缓存读取。
type callbackEntry struct {
	resolved bool
	pending  []cache.OpenCallback
}

// Downloader 驱动一次包下载：把每个 part 写入缓存、交给校验器，并在校验通过后通知等待方。
type Downloader struct {
	notifier     downloadNotifier
	storage      cache.Storage
	key          string
	origin       string
	newVerifier  VerifierFactory
	installer    Installer
	logger       *logrus.Logger
	callbacks    map[string]*callbackEntry
	writer       *CacheEntryWriter
	writeErr     error
	currentURI   *url.URL
	verifier     Verifier
	packageEntry *cache.Handle
	// verifiedParts 统计交给校验器的 part 数，与校验器自己的计数一致，用于识别清单。
	verifiedParts int
	inManifest    bool
	manifest      []byte
	// written 为本次下载提交的资源条目，签名校验失败时全部作废。
	written     []*cache.Handle
	isFromCache bool
	finalized   bool
}

type downloaderOptions struct {
	notifier    downloadNotifier
	storage     cache.Storage
	key         string
	origin      string
	newVerifier VerifierFactory
	installer   Installer
	logger      *logrus.Logger
}

func newDownloader(opts downloaderOptions) *Downloader {
	logger := opts.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Downloader{
		notifier:     opts.notifier,
		storage:      opts.storage,
		key:          opts.key,
		origin:       opts.origin,
		newVerifier:  opts.newVerifier,
		installer:    opts.installer,
		logger:       logger,
		callbacks:    make(map[string]*callbackEntry),
	}
}

// SetIsFromCache 记录包响应是否由缓存提供。
func (d *Downloader) SetIsFromCache(fromCache bool) {
	d.isFromCache = fromCache
}

// OnStartRequest 为新 part 打开缓存 writer，并在需要校验时把 part 的原始头部交给校验器。
func (d *Downloader) OnStartRequest(req channel.Request) error {
	// 先丢弃上一个 writer，出错时后续数据不会写进上一个资源。
	d.writer = nil
	d.writeErr = nil
	d.currentURI = nil
	d.inManifest = false

	part, ok := req.(MultipartRequest)
	if !ok || d.finalized {
		return nil
	}

	uri := ComposeSubresourceURI(part.URL(), part.ContentLocation())
	if part.ContentLocation() == "" {
		d.log().WithField("part", part.Index()).Warn("part has no content-location")
		return nil
	}

	writer, err := NewCacheEntryWriter(d.storage, SpecIgnoringRef(uri))
	if err != nil {
		d.log().WithError(err).WithField("resource", SpecIgnoringRef(uri)).Warn("open resource entry failed")
		return nil
	}
	if err := writer.OnStartRequest(part); err != nil {
		d.log().WithError(err).WithField("resource", SpecIgnoringRef(uri)).Warn("prepare resource entry failed")
		writer.Abort()
		return nil
	}
	d.writer = writer
	d.currentURI = uri

	d.ensureVerifier(part)
	if !d.verifier.WouldVerify() {
		return nil
	}

	d.inManifest = d.verifiedParts == manifestPartIndex
	d.verifiedParts++

	// 签名覆盖 part 头部，因此头部也作为数据交给校验器。
	d.verifier.OnStartRequest(uri)
	return d.verifier.OnDataAvailable(part.OriginalResponseHeader())
}

// OnDataAvailable 把正文写入当前 writer；需要校验时同步喂给校验器，清单 part 还会累积到内存。
func (d *Downloader) OnDataAvailable(req channel.Request, data []byte) error {
	return d.consumeData(data)
}

func (d *Downloader) consumeData(data []byte) error {
	if d.writer == nil {
		return nil
	}
	if d.writeErr == nil {
		if err := d.writer.ConsumeData(data); err != nil {
			d.writeErr = err
			d.log().WithError(err).Warn("write resource entry failed")
		}
	}

	if !d.verifier.WouldVerify() {
		return nil
	}
	if d.inManifest {
		d.manifest = append(d.manifest, data...)
	}
	return d.verifier.OnDataAvailable(data)
}

// OnStopRequest 结束当前 part。非 multipart 请求总是最后一个 part。
func (d *Downloader) OnStopRequest(req channel.Request, status error) {
	lastPart := true
	part, isPart := req.(MultipartRequest)
	if isPart {
		lastPart = part.IsLastPart()
	}

	if !isPart || d.writer == nil {
		if !lastPart {
			return
		}
		if d.verifier == nil || !d.verifier.WouldVerify() {
			d.FinalizeDownload(status)
			return
		}
		// 前面的 part 可能仍在校验队列中，损坏的最后 part 必须排在它们之后处理。
		d.verifier.SetHasBrokenLastPart(status)
		return
	}

	writer := d.writer
	d.writer = nil
	if status == nil && d.writeErr != nil {
		status = d.writeErr
	}
	if err := writer.OnStopRequest(status); err != nil {
		status = err
	}

	info := &ResourceCacheInfo{
		URI:        d.currentURI,
		Entry:      writer.TakeEntry(),
		Status:     status,
		IsLastPart: lastPart,
	}
	if status == nil && info.Entry != nil {
		d.written = append(d.written, info.Entry)
	}
	if !d.verifier.WouldVerify() {
		d.onResourceVerified(info, true)
		return
	}
	d.verifier.OnStopRequest(info, status)
}

// OnVerified 由校验器在事件循环中回调。
func (d *Downloader) OnVerified(isManifest bool, uri *url.URL, entry *cache.Handle, status error, isLastPart, success bool) {
	if uri == nil {
		d.log().WithError(status).Warn("broken last part")
		d.FinalizeDownload(status)
		return
	}
	info := &ResourceCacheInfo{
		URI:        uri,
		Entry:      entry,
		Status:     status,
		IsLastPart: isLastPart,
	}
	if isManifest {
		d.onManifestVerified(info, success)
		return
	}
	d.onResourceVerified(info, success)
}

func (d *Downloader) onManifestVerified(info *ResourceCacheInfo, success bool) {
	if !success {
		d.onError(ManifestVerifyFailed)
		return
	}
	if info.Status == nil {
		d.CallCallbacks(info.URI, info.Entry, info.Status)
	}
	if info.IsLastPart {
		d.log().Warn("package has manifest only")
		d.FinalizeDownload(info.Status)
		return
	}
	if !d.verifier.IsPackageSigned() {
		return
	}
	d.installSignedPackagedApp(info)
}

func (d *Downloader) onResourceVerified(info *ResourceCacheInfo, success bool) {
	if !success {
		d.onError(ResourceVerifyFailed)
		return
	}
	// 出错的 part 已被作废，不交给等待方；它们在 FinalizeDownload 时收到包的最终状态。
	if info.Status == nil {
		d.CallCallbacks(info.URI, info.Entry, info.Status)
	}
	if info.IsLastPart {
		d.FinalizeDownload(info.Status)
	}
}

func (d *Downloader) installSignedPackagedApp(info *ResourceCacheInfo) {
	if d.installer == nil {
		d.onError(InstallerUnavailable)
		return
	}
	origin, ok := AddPackageIDToOrigin(d.origin, d.verifier.PackageIdentifier())
	if !ok {
		d.log().WithField("origin", d.origin).Warn("package origin is malformed")
	}
	if !d.installer.InstallPackagedWebapp(d.manifest, origin, SpecIgnoringRef(info.URI)) {
		d.onError(InstallFailed)
		return
	}
	d.log().WithField("origin", origin).Info("signed package installed")
}

func (d *Downloader) onError(kind FailureKind) {
	d.log().WithField("failure", string(kind)).Warn("signed package rejected")
	d.FinalizeDownload(&VerificationError{Kind: kind})
}

// AddCallback 登记一个等待 uri 的回调。资源已就绪时立即从缓存异步读取。
func (d *Downloader) AddCallback(uri *url.URL, cb cache.OpenCallback) {
	spec := SpecIgnoringRef(uri)
	entry, ok := d.callbacks[spec]
	switch {
	case ok && entry.resolved:
		d.storage.AsyncOpen(spec, cache.OpenReadOnly, cb)
	case ok:
		entry.pending = append(entry.pending, cb)
	default:
		d.callbacks[spec] = &callbackEntry{pending: []cache.OpenCallback{cb}}
	}
}

// CallCallbacks 在资源写入并校验通过后通知全部等待方，并把该资源标记为已就绪。
func (d *Downloader) CallCallbacks(uri *url.URL, entry *cache.Handle, status error) {
	if entry != nil {
		if err := entry.ForceValidFor(0); err != nil {
			d.log().WithError(err).Debug("reset forced validity failed")
		}
	}

	spec := SpecIgnoringRef(uri)
	state, ok := d.callbacks[spec]
	if !ok {
		d.callbacks[spec] = &callbackEntry{resolved: true}
		return
	}
	for _, cb := range state.pending {
		d.storage.AsyncOpen(spec, cache.OpenReadOnly, cb)
	}
	d.log().WithField("resource", spec).WithField("callbacks", len(state.pending)).Debug("resource resolved")
	state.pending = nil
	state.resolved = true
}

// ClearCallbacks 以最终状态结算所有尚未结算的回调，并清空回调表。
// 成功时（包来自缓存）尝试直接从缓存读取资源。
func (d *Downloader) ClearCallbacks(status error) {
	for spec, state := range d.callbacks {
		for _, cb := range state.pending {
			if status == nil {
				d.storage.AsyncOpen(spec, cache.OpenReadOnly, cb)
			} else {
				cb(nil, status)
			}
		}
		delete(d.callbacks, spec)
	}
}

// FinalizeDownload 结束整个下载，重复调用无效果。
func (d *Downloader) FinalizeDownload(status error) {
	if d.finalized {
		return
	}
	d.finalized = true

	// 包不是来自缓存却正常结束，说明请求的资源不在包内。
	if status == nil && !d.isFromCache {
		status = ErrResourceNotFound
	}

	if d.writer != nil {
		d.writer.Abort()
		d.writer = nil
	}
	var verr *VerificationError
	if errors.As(status, &verr) {
		d.discardPackage()
	}
	if d.notifier != nil {
		d.notifier.NotifyPackageDownloaded(d.key, d)
	}
	d.ClearCallbacks(status)
	if d.verifier != nil {
		d.verifier.ClearListener()
	}
	d.log().WithField("from_cache", d.isFromCache).WithField("status", errorString(status)).Debug("package finalized")
}

// discardPackage 作废包级条目与本次写入的资源条目。包级条目被作废后通道无法再记录
// ETag/Last-Modified，下次请求会重新下载并重新校验，而不是把 304 当作缓存命中。
func (d *Downloader) discardPackage() {
	if d.packageEntry != nil {
		if err := d.packageEntry.Doom(); err != nil {
			d.log().WithError(err).Warn("doom package entry failed")
		}
	}
	for _, entry := range d.written {
		if err := entry.Doom(); err != nil {
			d.log().WithError(err).WithField("resource", entry.Key()).Warn("doom resource entry failed")
		}
	}
	d.written = nil
}

// PendingResources 返回仍有等待方的资源，按字典序排列。
func (d *Downloader) PendingResources() []string {
	var specs []string
	for spec, state := range d.callbacks {
		if !state.resolved {
			specs = append(specs, spec)
		}
	}
	sort.Strings(specs)
	return specs
}

// ResolvedCount 返回已就绪的资源数。
func (d *Downloader) ResolvedCount() int {
	count := 0
	for _, state := range d.callbacks {
		if state.resolved {
			count++
		}
	}
	return count
}

func (d *Downloader) ensureVerifier(part MultipartRequest) {
	if d.verifier != nil {
		return
	}
	signature := ""
	if !d.isFromCache {
		signature = string(part.Preamble())
	}
	if base := part.BaseChannel(); base != nil {
		d.packageEntry = base.CacheEntry()
	}
	if d.newVerifier != nil {
		d.verifier = d.newVerifier(d, d.origin, signature, d.packageEntry)
	}
	if d.verifier == nil {
		d.verifier = passthroughVerifier{}
	}
}

func (d *Downloader) log() *logrus.Entry {
	return d.logger.WithFields(logging.PackageFields(d.key))
}

func errorString(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}
