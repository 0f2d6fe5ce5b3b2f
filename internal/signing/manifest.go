package signing

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/any-hub/pkghub/internal/packagedapp"
)

const integrityPrefix = "blake3-"

// Manifest 是签名包首个 part 的 JSON 内容。
type Manifest struct {
	Name              string             `json:"name"`
	PackageIdentifier string             `json:"package-identifier"`
	PackageOrigin     string             `json:"moz-package-origin,omitempty"`
	Resources         []ManifestResource `json:"moz-resources"`
}

// ManifestResource 描述包内一个资源及其摘要。
type ManifestResource struct {
	Src       string `json:"src"`
	Integrity string `json:"integrity"`
}

// ParseManifest 解析清单并返回资源路径到摘要的映射。
func ParseManifest(body []byte) (*Manifest, map[string][]byte, error) {
	var manifest Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, nil, fmt.Errorf("decode manifest: %w", err)
	}
	if strings.TrimSpace(manifest.PackageIdentifier) == "" {
		return nil, nil, errors.New("manifest has no package-identifier")
	}

	digests := make(map[string][]byte, len(manifest.Resources))
	for idx, res := range manifest.Resources {
		src := packagedapp.NormalizeLocation(res.Src)
		if src == "" {
			return nil, nil, fmt.Errorf("moz-resources[%d]: empty src", idx)
		}
		digest, err := parseIntegrity(res.Integrity)
		if err != nil {
			return nil, nil, fmt.Errorf("moz-resources[%d]: %w", idx, err)
		}
		digests[src] = digest
	}
	return &manifest, digests, nil
}

// Integrity 返回 digest 对应的 integrity 字符串。
func Integrity(digest []byte) string {
	return integrityPrefix + hex.EncodeToString(digest)
}

func parseIntegrity(value string) ([]byte, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(value), integrityPrefix)
	if !ok {
		return nil, fmt.Errorf("unsupported integrity %q", value)
	}
	digest, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed integrity %q: %v", value, err)
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("integrity %q has %d bytes", value, len(digest))
	}
	return digest, nil
}
