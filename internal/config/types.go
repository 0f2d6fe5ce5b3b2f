package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	CompressEntries bool     `mapstructure:"CompressEntries"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	ResourceTimeout Duration `mapstructure:"ResourceTimeout"`
	SignedApps      bool     `mapstructure:"SignedApps"`
	TrustedKeys     []string `mapstructure:"TrustedKeys"`
}

// SiteConfig 描述一个提供包的上游站点，以及访问它时使用的加载上下文。
type SiteConfig struct {
	Name             string `mapstructure:"Name"`
	Domain           string `mapstructure:"Domain"`
	Upstream         string `mapstructure:"Upstream"`
	Anonymous        bool   `mapstructure:"Anonymous"`
	Private          bool   `mapstructure:"Private"`
	OriginAttributes string `mapstructure:"OriginAttributes"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// ContextMode 输出 `default`、`anonymous`、`private` 或 `private+anonymous`，供日志字段使用。
func (s SiteConfig) ContextMode() string {
	switch {
	case s.Private && s.Anonymous:
		return "private+anonymous"
	case s.Private:
		return "private"
	case s.Anonymous:
		return "anonymous"
	default:
		return "default"
	}
}

// ContextModes 返回所有站点的加载上下文摘要，例如 apps:private。
func ContextModes(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.ContextMode())
	}
	return result
}
