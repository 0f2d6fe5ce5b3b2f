package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"

[[Site]]
Name = "apps"
Domain = "apps.local"
Upstream = "https://apps.example.com"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsSiteLevelPort(t *testing.T) {
	cfg := `
StoragePath = "./data"

[[Site]]
Name = "apps"
Domain = "apps.local"
Upstream = "https://apps.example.com"
Port = 6000
`
	path := writeTempConfig(t, cfg)
	_, err := Load(path)
	fieldErr, ok := err.(FieldError)
	if !ok || fieldErr.Field != "Site[apps].Port" {
		t.Fatalf("站点级端口应被拒绝，得到 %v", err)
	}
}

func TestResolvePathPrefersFlag(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/pkghub/env.toml")
	if got := ResolvePath("/tmp/flag.toml"); got != "/tmp/flag.toml" {
		t.Fatalf("flag 应优先，得到 %s", got)
	}
	if got := ResolvePath(""); got != "/etc/pkghub/env.toml" {
		t.Fatalf("未指定 flag 时应使用环境变量，得到 %s", got)
	}
	t.Setenv(EnvConfigPath, "")
	if got := ResolvePath(""); got != "config.toml" {
		t.Fatalf("默认应为 config.toml，得到 %s", got)
	}
}

func TestValidateWrapsTrustedKeyErrors(t *testing.T) {
	path := writeTempConfig(t, `
StoragePath = "./data"
SignedApps = true
TrustedKeys = ["short"]

[[Site]]
Name = "apps"
Domain = "apps.local"
Upstream = "https://apps.example.com"
`)
	_, err := Load(path)
	if !errors.Is(err, ErrInvalidTrustedKey) {
		t.Fatalf("无效公钥应可用 errors.Is 判断，得到 %v", err)
	}
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "Global.TrustedKeys[0]" {
		t.Fatalf("应指出出错的公钥下标，得到 %v", err)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("PKGHUB_LISTENPORT", "6100")
	t.Setenv("PKGHUB_LOGLEVEL", "debug")

	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 6100 || cfg.Global.LogLevel != "debug" {
		t.Fatalf("环境变量应覆盖配置文件，得到 port=%d level=%s", cfg.Global.ListenPort, cfg.Global.LogLevel)
	}
}

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
