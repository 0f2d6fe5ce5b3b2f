package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供站点、包与命中状态字段，供代理请求日志复用。
func RequestFields(site, domain, packageKey, resource string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"site":        site,
		"domain":      domain,
		"package_key": packageKey,
		"resource":    resource,
		"cache_hit":   cacheHit,
	}
}

// PackageFields 标识一次包下载，下载器与校验器的日志共用。
func PackageFields(packageKey string) logrus.Fields {
	return logrus.Fields{
		"package_key": packageKey,
	}
}
