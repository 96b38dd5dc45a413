package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.StorageDriver != StorageDriverFS {
		t.Fatalf("StorageDriver 默认应为 fs，得到 %s", cfg.Global.StorageDriver)
	}
	if !filepath.IsAbs(cfg.Global.StoragePath) {
		t.Fatalf("StoragePath 应转换为绝对路径")
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("整数秒应被解析为 Duration，得到 %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.App.OriginURL() != "https://app.example.com" {
		t.Fatalf("origin 应去掉末尾斜杠，得到 %s", cfg.App.OriginURL())
	}
	if !cfg.App.WatchManifest {
		t.Fatalf("WatchManifest 默认应开启")
	}
	if cfg.App.FetchConcurrency != 8 {
		t.Fatalf("FetchConcurrency 默认应为 8，得到 %d", cfg.App.FetchConcurrency)
	}
	if cfg.Partitions.Content != DefaultContentPartition || cfg.Partitions.Temp != DefaultTempPartition ||
		cfg.Partitions.Manifest != DefaultManifestPartition {
		t.Fatalf("分区名应填充默认值: %+v", cfg.Partitions)
	}
	want, _ := filepath.Abs(filepath.Join("testdata", "release.json"))
	if cfg.App.ManifestPath != want {
		t.Fatalf("清单路径应相对配置文件解析，得到 %s", cfg.App.ManifestPath)
	}
}

func TestValidateRejectsMissingOrigin(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatalf("缺少 origin 的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateStorageDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Global.StorageDriver = "redis"
	err := cfg.Validate()
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "Global.StorageDriver" {
		t.Fatalf("不支持的存储后端应返回 FieldError，得到 %v", err)
	}

	cfg.Global.StorageDriver = StorageDriverSQLite
	if err := cfg.Validate(); err != nil {
		t.Fatalf("sqlite 后端应通过校验: %v", err)
	}
}

func TestValidateOrigin(t *testing.T) {
	testCases := []struct {
		name      string
		origin    string
		shouldErr bool
	}{
		{"https ok", "https://app.example.com", false},
		{"http with port", "http://127.0.0.1:8080", false},
		{"missing", "", true},
		{"ftp scheme", "ftp://app.example.com", true},
		{"with path", "https://app.example.com/app", true},
		{"no host", "https://", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.App.Origin = tc.origin
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for origin %q", tc.origin)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for origin %q: %v", tc.origin, err)
			}
		})
	}
}

func TestValidateRejectsDuplicatePartitionNames(t *testing.T) {
	cfg := validConfig()
	cfg.Partitions.Temp = cfg.Partitions.Content
	if err := cfg.Validate(); err == nil {
		t.Fatalf("重复的分区名应当报错")
	}
}

func TestValidateRejectsPartitionWithSeparator(t *testing.T) {
	cfg := validConfig()
	cfg.Partitions.Manifest = "../escape"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("包含路径分隔符的分区名应当报错")
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("2m")); err != nil || d.DurationValue() != 2*time.Minute {
		t.Fatalf("解析 2m 失败: %v %s", err, d.DurationValue())
	}
	if err := d.UnmarshalText([]byte("0x10")); err != nil || d.DurationValue() != 16*time.Second {
		t.Fatalf("解析十六进制秒失败: %v %s", err, d.DurationValue())
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatalf("非法 Duration 应返回错误")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StoragePath:     "./storage",
			StorageDriver:   StorageDriverFS,
			UpstreamTimeout: Duration(30 * time.Second),
		},
		App: AppConfig{
			Origin:           "https://app.example.com",
			ManifestPath:     "release.json",
			FetchConcurrency: 4,
		},
		Partitions: PartitionNames{
			Temp:     DefaultTempPartition,
			Content:  DefaultContentPartition,
			Manifest: DefaultManifestPartition,
		},
	}
}
