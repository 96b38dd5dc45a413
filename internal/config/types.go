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

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
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

// 支持的分区存储后端。
const (
	StorageDriverFS     = "fs"
	StorageDriverSQLite = "sqlite"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志、存储与回源超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// AppConfig 描述被缓存的客户端应用：origin、生成的清单文件以及批量下载并发度。
type AppConfig struct {
	Origin           string   `mapstructure:"Origin"`
	ManifestPath     string   `mapstructure:"ManifestPath"`
	WatchManifest    bool     `mapstructure:"WatchManifest"`
	WatchDebounce    Duration `mapstructure:"WatchDebounce"`
	FetchConcurrency int      `mapstructure:"FetchConcurrency"`
}

// PartitionNames 是三个缓存分区的名字，默认与 Flutter service worker 保持一致。
type PartitionNames struct {
	Temp     string `mapstructure:"Temp"`
	Content  string `mapstructure:"Content"`
	Manifest string `mapstructure:"Manifest"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global     GlobalConfig   `mapstructure:",squash"`
	App        AppConfig      `mapstructure:"App"`
	Partitions PartitionNames `mapstructure:"Partitions"`
}

// OriginURL 返回去掉末尾 "/" 的 origin，与浏览器 self.location.origin 的形式一致。
func (a AppConfig) OriginURL() string {
	return strings.TrimRight(strings.TrimSpace(a.Origin), "/")
}
