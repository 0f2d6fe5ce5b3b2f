package packagedapp

import (
	"net/http"
	"net/url"

	"github.com/any-hub/pkghub/internal/cache"
	"github.com/any-hub/pkghub/internal/channel"
)

// manifestPartIndex 是清单所在的 part 序号：可校验的包总是以清单开头。
const manifestPartIndex = 0

// MultipartRequest 是 multipart 拆出的单个 part，multipart.Part 满足该接口。
// 不满足该接口的请求即为包级响应本身（缓存命中或非 multipart 响应），视为唯一且最后的 part。
type MultipartRequest interface {
	channel.Request
	BaseChannel() channel.Response
	Header() http.Header
	ContentLocation() string
	IsLastPart() bool
	OriginalResponseHeader() []byte
	Preamble() []byte
	Index() int
}

// ResourceCacheInfo 记录一个已结束的 part，构造后不再修改。
type ResourceCacheInfo struct {
	URI        *url.URL
	Entry      *cache.Handle
	Status     error
	IsLastPart bool
}

// Verifier 按到达顺序消费包的字节流，并通过 VerifierListener 异步报告每个资源的校验结果。
// 实现方必须在事件循环中回调 OnVerified，且回调顺序与 OnStopRequest 的调用顺序一致。
type Verifier interface {
	OnStartRequest(uri *url.URL)
	// OnDataAvailable 的 data 只在调用期间有效，需要保留时必须复制。
	OnDataAvailable(data []byte) error
	OnStopRequest(info *ResourceCacheInfo, status error)
	// SetHasBrokenLastPart 在队列末尾追加一个损坏的最后 part，按顺序以 uri == nil 回调。
	SetHasBrokenLastPart(status error)
	WouldVerify() bool
	IsPackageSigned() bool
	PackageIdentifier() string
	// ClearListener 解除与下载器的关联，之后不再回调。
	ClearListener()
}

// VerifierListener 接收校验结果。uri 为 nil 表示损坏的最后 part。
type VerifierListener interface {
	OnVerified(isManifest bool, uri *url.URL, entry *cache.Handle, status error, isLastPart, success bool)
}

// VerifierFactory 为一次包下载创建 Verifier。signature 为空表示包未签名或来自缓存。
type VerifierFactory func(listener VerifierListener, origin, signature string, packageEntry *cache.Handle) Verifier

// Installer 安装已通过校验的签名包。
type Installer interface {
	InstallPackagedWebapp(manifest []byte, originWithPackageID, manifestURL string) bool
}

// passthroughVerifier 用于未配置校验器的情况：所有 part 视为已校验。
type passthroughVerifier struct{}

func (passthroughVerifier) OnStartRequest(*url.URL)                 {}
func (passthroughVerifier) OnDataAvailable([]byte) error            { return nil }
func (passthroughVerifier) OnStopRequest(*ResourceCacheInfo, error) {}
func (passthroughVerifier) SetHasBrokenLastPart(error)              {}
func (passthroughVerifier) WouldVerify() bool                       { return false }
func (passthroughVerifier) IsPackageSigned() bool                   { return false }
func (passthroughVerifier) PackageIdentifier() string               { return "" }
func (passthroughVerifier) ClearListener()                          {}
