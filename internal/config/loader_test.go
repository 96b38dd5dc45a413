package config

import "testing"

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

[App]
Origin = "https://app.example.com"
ManifestPath = "release.json"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadReadsPartitionOverrides(t *testing.T) {
	cfg := `
StorageDriver = "SQLite"

[App]
Origin = "https://app.example.com"
ManifestPath = "/srv/web/release.json"
WatchManifest = false
FetchConcurrency = 2

[Partitions]
Temp = "stage"
Content = "content"
Manifest = "manifest"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.StorageDriver != StorageDriverSQLite {
		t.Fatalf("StorageDriver 应规范化为小写，得到 %s", loaded.Global.StorageDriver)
	}
	if loaded.App.WatchManifest {
		t.Fatalf("WatchManifest 应被关闭")
	}
	if loaded.App.ManifestPath != "/srv/web/release.json" {
		t.Fatalf("绝对路径应保持不变，得到 %s", loaded.App.ManifestPath)
	}
	if loaded.Partitions.Temp != "stage" || loaded.Partitions.Content != "content" || loaded.Partitions.Manifest != "manifest" {
		t.Fatalf("分区名覆盖未生效: %+v", loaded.Partitions)
	}
}
