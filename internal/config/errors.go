package config

import (
	"errors"
	"fmt"
)

// ErrInvalidTrustedKey 表示 TrustedKeys 中的条目不是合法的 Ed25519 公钥。
var ErrInvalidTrustedKey = errors.New("invalid trusted key")

// FieldError 标识出错的配置字段，Err 保留底层原因供 errors.Is 判断。
type FieldError struct {
	Field  string
	Reason string
	Err    error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e FieldError) Unwrap() error { return e.Err }

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

func wrapFieldError(field string, err error) error {
	return FieldError{Field: field, Reason: err.Error(), Err: err}
}

// siteField 拼出 Site[name].Field 形式的字段路径。
func siteField(name, field string) string {
	if name == "" {
		return fmt.Sprintf("Site[].%s", field)
	}
	return fmt.Sprintf("Site[%s].%s", name, field)
}
