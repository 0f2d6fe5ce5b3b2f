package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version/Commit 可在构建时通过 -ldflags 注入。
var (
	Version = "0.1.0"
	Commit  = ""
)

// Revision 优先返回注入的提交号，其次读取构建信息中的 vcs.revision，都没有时为 dev。
func Revision() string {
	if Commit != "" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				if len(setting.Value) > 12 {
					return setting.Value[:12]
				}
				return setting.Value
			}
		}
	}
	return "dev"
}

// Full 返回 CLI 与启动日志使用的版本串，例如 pkghub 0.1.0 (abc123, go1.25.0)。
func Full() string {
	return fmt.Sprintf("pkghub %s (%s, %s)", Version, Revision(), runtime.Version())
}
