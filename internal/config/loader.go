package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// 默认分区名，沿用 Flutter service worker 的命名，便于与浏览器端缓存对照排查。
const (
	DefaultTempPartition     = "flutter-temp-cache"
	DefaultContentPartition  = "flutter-app-cache"
	DefaultManifestPartition = "flutter-app-manifest"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyAppDefaults(&cfg.App)
	applyPartitionDefaults(&cfg.Partitions)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	// 清单路径相对配置文件所在目录解析，方便与构建产物放在一起。
	if !filepath.IsAbs(cfg.App.ManifestPath) {
		cfg.App.ManifestPath = filepath.Join(filepath.Dir(path), cfg.App.ManifestPath)
	}
	absManifest, err := filepath.Abs(cfg.App.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("无法解析清单路径: %w", err)
	}
	cfg.App.ManifestPath = absManifest

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageDriver", StorageDriverFS)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("App.WatchManifest", true)
	v.SetDefault("App.WatchDebounce", "500ms")
	v.SetDefault("App.FetchConcurrency", 8)
	v.SetDefault("Partitions.Temp", DefaultTempPartition)
	v.SetDefault("Partitions.Content", DefaultContentPartition)
	v.SetDefault("Partitions.Manifest", DefaultManifestPartition)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = StorageDriverFS
	}
}

func applyAppDefaults(a *AppConfig) {
	if a.WatchDebounce.DurationValue() <= 0 {
		a.WatchDebounce = Duration(500 * time.Millisecond)
	}
	if a.FetchConcurrency == 0 {
		a.FetchConcurrency = 8
	}
}

func applyPartitionDefaults(p *PartitionNames) {
	if strings.TrimSpace(p.Temp) == "" {
		p.Temp = DefaultTempPartition
	}
	if strings.TrimSpace(p.Content) == "" {
		p.Content = DefaultContentPartition
	}
	if strings.TrimSpace(p.Manifest) == "" {
		p.Manifest = DefaultManifestPartition
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
