package signing

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/any-hub/pkghub/internal/cache"
	"github.com/any-hub/pkghub/internal/config"
	"github.com/any-hub/pkghub/internal/packagedapp"
)

// Poster 把任务投递到事件循环，eventloop.Loop 满足该接口。
type Poster interface {
	Post(fn func()) bool
}

// Options 配置 Verifier。
type Options struct {
	Enabled     bool
	TrustedKeys []ed25519.PublicKey
	Loop        Poster
	Logger      *logrus.Logger
}

// NewFactory 根据全局配置构造 packagedapp.VerifierFactory。
func NewFactory(cfg config.GlobalConfig, loop Poster, logger *logrus.Logger) (packagedapp.VerifierFactory, error) {
	keys, err := ParseTrustedKeys(cfg.TrustedKeys)
	if err != nil {
		return nil, err
	}
	if loop == nil {
		return nil, errors.New("signing: event loop required")
	}
	opts := Options{
		Enabled:     cfg.SignedApps && len(keys) > 0,
		TrustedKeys: keys,
		Loop:        loop,
		Logger:      logger,
	}
	return func(listener packagedapp.VerifierListener, origin, signature string, packageEntry *cache.Handle) packagedapp.Verifier {
		return New(opts, listener, origin, signature, packageEntry)
	}, nil
}

// verifyResult 是排队等待投递的一条结果。uri 为 nil 表示损坏的最后 part。
type verifyResult struct {
	isManifest bool
	info       *packagedapp.ResourceCacheInfo
	success    bool
}

// Verifier 校验一个包。除 Post 回调外的所有方法都在事件循环中调用。
type Verifier struct {
	opts         Options
	listener     packagedapp.VerifierListener
	origin       string
	signature    string
	packageEntry *cache.Handle
	logger       *logrus.Logger

	parts         int
	headerPending bool
	hasher        *blake3.Hasher
	manifestRaw   bytes.Buffer
	manifestBody  bytes.Buffer

	manifest  *Manifest
	digests   map[string][]byte
	signed    bool
	packageID string

	queue  []verifyResult
	posted bool
}

// New 构造 Verifier。preamble 为包的 preamble 文本，为空表示包来自缓存或未签名。
func New(opts Options, listener packagedapp.VerifierListener, origin, preamble string, packageEntry *cache.Handle) *Verifier {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Verifier{
		opts:         opts,
		listener:     listener,
		origin:       origin,
		signature:    SignatureFromPreamble(preamble),
		packageEntry: packageEntry,
		logger:       logger,
		hasher:       blake3.New(),
	}
}

// WouldVerify 表示该包是否需要校验：启用了签名包且 preamble 带有签名。
func (v *Verifier) WouldVerify() bool {
	return v.opts.Enabled && v.signature != ""
}

// IsPackageSigned 在清单通过校验后返回 true。
func (v *Verifier) IsPackageSigned() bool { return v.signed }

// PackageIdentifier 返回清单中的 package-identifier。
func (v *Verifier) PackageIdentifier() string { return v.packageID }

// OnStartRequest 开始一个 part。紧随其后的第一次 OnDataAvailable 是 part 的原始头部。
func (v *Verifier) OnStartRequest(*url.URL) {
	v.headerPending = true
	v.hasher.Reset()
}

func (v *Verifier) OnDataAvailable(data []byte) error {
	_, _ = v.hasher.Write(data)
	if v.parts == 0 {
		v.manifestRaw.Write(data)
		if !v.headerPending {
			v.manifestBody.Write(data)
		}
	}
	v.headerPending = false
	return nil
}

// OnStopRequest 结束当前 part 并把结果排入队列。传输出错的 part 不做校验，
// 由下载器按其状态处理。
func (v *Verifier) OnStopRequest(info *packagedapp.ResourceCacheInfo, status error) {
	isManifest := v.parts == 0
	v.parts++

	success := true
	if status == nil {
		var err error
		if isManifest {
			err = v.verifyManifest()
		} else {
			err = v.verifyResource(info.URI)
		}
		if err != nil {
			success = false
			v.log().WithError(err).WithField("resource", packagedapp.SpecIgnoringRef(info.URI)).Warn("verification failed")
		}
	}
	v.enqueue(verifyResult{isManifest: isManifest, info: info, success: success})
}

// SetHasBrokenLastPart 在队列末尾追加损坏的最后 part。
func (v *Verifier) SetHasBrokenLastPart(status error) {
	v.enqueue(verifyResult{info: &packagedapp.ResourceCacheInfo{Status: status, IsLastPart: true}})
}

// ClearListener 解除与下载器的关联并丢弃未投递的结果。
func (v *Verifier) ClearListener() {
	v.listener = nil
	v.queue = nil
}

func (v *Verifier) verifyManifest() error {
	sig, err := base64.StdEncoding.DecodeString(v.signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !v.trusted(v.manifestRaw.Bytes(), sig) {
		return errors.New("manifest signature does not match any trusted key")
	}

	manifest, digests, err := ParseManifest(v.manifestBody.Bytes())
	if err != nil {
		return err
	}
	if manifest.PackageOrigin != "" {
		base, _, _ := strings.Cut(v.origin, "^")
		if !strings.EqualFold(strings.TrimSuffix(manifest.PackageOrigin, "/"), strings.TrimSuffix(base, "/")) {
			return fmt.Errorf("manifest origin %q does not match %q", manifest.PackageOrigin, base)
		}
	}
	if err := v.checkPackageIdentifier(manifest.PackageIdentifier); err != nil {
		return err
	}

	v.manifest = manifest
	v.digests = digests
	v.packageID = manifest.PackageIdentifier
	v.signed = true
	return nil
}

func (v *Verifier) trusted(message, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	for _, key := range v.opts.TrustedKeys {
		if ed25519.Verify(key, message, sig) {
			return true
		}
	}
	return false
}

// checkPackageIdentifier 比对包级条目上记录的标识，首次下载时写入。
func (v *Verifier) checkPackageIdentifier(id string) error {
	if v.packageEntry == nil {
		return nil
	}
	if stored := v.packageEntry.MetaDataElement(packagedapp.MetaPackageIdentifier); stored != "" && stored != id {
		return fmt.Errorf("package identifier changed from %q to %q", stored, id)
	}
	if err := v.packageEntry.SetMetaDataElement(packagedapp.MetaPackageIdentifier, id); err != nil {
		v.log().WithError(err).Debug("record package identifier failed")
	}
	return nil
}

func (v *Verifier) verifyResource(uri *url.URL) error {
	if v.manifest == nil {
		return errors.New("manifest not verified")
	}
	path := packagedapp.ResourcePath(uri)
	want, ok := v.digests[path]
	if !ok {
		return fmt.Errorf("resource %q is not listed in the manifest", path)
	}
	if got := v.hasher.Sum(nil); !bytes.Equal(got, want) {
		return fmt.Errorf("resource %q digest mismatch: %s", path, Integrity(got))
	}
	return nil
}

func (v *Verifier) enqueue(result verifyResult) {
	v.queue = append(v.queue, result)
	if !v.posted {
		v.schedule()
	}
}

func (v *Verifier) schedule() {
	v.posted = true
	if !v.opts.Loop.Post(v.deliverNext) {
		v.posted = false
		v.log().Warn("event loop closed, verification results dropped")
	}
}

// deliverNext 每次只投递一条结果，剩余结果重新排队，保持与 OnStopRequest 相同的顺序。
func (v *Verifier) deliverNext() {
	v.posted = false
	if len(v.queue) == 0 {
		return
	}
	result := v.queue[0]
	v.queue = v.queue[1:]
	if len(v.queue) > 0 {
		v.schedule()
	}
	if v.listener == nil {
		return
	}
	info := result.info
	v.listener.OnVerified(result.isManifest, info.URI, info.Entry, info.Status, info.IsLastPart, result.success)
}

func (v *Verifier) log() *logrus.Entry {
	return v.logger.WithFields(logrus.Fields{
		"action": "verify",
		"origin": v.origin,
	})
}
