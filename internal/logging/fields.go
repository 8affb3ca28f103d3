package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// LifecycleFields 提供 install/activate/cache 写入等生命周期日志的公共字段。
func LifecycleFields(action, version string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"version": version,
	}
}

// RequestFields 提供请求方向、来源与命中状态字段，供代理请求日志复用。
func RequestFields(method, target, version string, sameOrigin, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"method":      method,
		"target":      target,
		"version":     version,
		"same_origin": sameOrigin,
		"cache_hit":   cacheHit,
	}
}
