package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// WorkerFields 提供 worker 版本与生命周期事件字段，供 install/activate/message 日志复用。
func WorkerFields(action, version string) logrus.Fields {
	return logrus.Fields{
		"action":         action,
		"worker_version": version,
	}
}

// RequestFields 提供逻辑 key/命中状态字段，供 fetch 请求日志复用。
func RequestFields(requestID, key, url string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"action":     "fetch",
		"request_id": requestID,
		"key":        key,
		"url":        url,
		"cache_hit":  cacheHit,
	}
}
