package packagedapp

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument 表示请求为空，或 URL 中没有包分隔符。
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrMissingPrincipal 表示请求未携带包来源。
	ErrMissingPrincipal = errors.New("missing package origin")
	// ErrMissingLoadContext 表示请求未携带加载上下文。
	ErrMissingLoadContext = errors.New("missing load context")
	// ErrResourceNotFound 表示包已下载完毕，但其中没有请求的资源。
	ErrResourceNotFound = errors.New("resource not found in package")
	// ErrSignedAppInvalid 表示签名包校验或安装失败，整个包的等待方都会收到该错误。
	ErrSignedAppInvalid = errors.New("signed package invalid")
)

// FailureKind 区分签名包失败的具体原因。
type FailureKind string

const (
	ManifestVerifyFailed FailureKind = "manifest_verify_failed"
	ResourceVerifyFailed FailureKind = "resource_verify_failed"
	InstallerUnavailable FailureKind = "installer_unavailable"
	InstallFailed        FailureKind = "install_failed"
)

// VerificationError 携带失败原因，errors.Is(err, ErrSignedAppInvalid) 恒为 true。
type VerificationError struct {
	Kind FailureKind
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrSignedAppInvalid, e.Kind)
}

func (e *VerificationError) Unwrap() error {
	return ErrSignedAppInvalid
}
