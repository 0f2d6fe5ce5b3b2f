package signing

import (
	"bufio"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// signatureField 是 preamble 中携带签名的字段名。
const signatureField = "manifest-signature"

// ErrInvalidKey 表示可信公钥无法解析。
var ErrInvalidKey = errors.New("invalid trusted key")

// ParseTrustedKeys 解析 base64 编码的 Ed25519 公钥列表。
func ParseTrustedKeys(encoded []string) ([]ed25519.PublicKey, error) {
	keys := make([]ed25519.PublicKey, 0, len(encoded))
	for idx, raw := range encoded {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: TrustedKeys[%d]: %v", ErrInvalidKey, idx, err)
		}
		if len(decoded) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: TrustedKeys[%d]: expected %d bytes, got %d", ErrInvalidKey, idx, ed25519.PublicKeySize, len(decoded))
		}
		keys = append(keys, ed25519.PublicKey(decoded))
	}
	return keys, nil
}

// SignatureFromPreamble 取出 preamble 中 manifest-signature 字段的值，不存在时返回空字符串。
func SignatureFromPreamble(preamble string) string {
	scanner := bufio.NewScanner(strings.NewReader(preamble))
	for scanner.Scan() {
		name, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), signatureField) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
