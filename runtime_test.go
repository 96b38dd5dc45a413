package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/manifest"
	"github.com/shellcache/shellcache/internal/proxy"
)

const runtimeRelease = `{
  "version": "e2e-1",
  "resources": {
    "/": "r1",
    "index.html": "r1",
    "main.dart.js": "m1",
    "assets/logo.png": "l1"
  },
  "core": ["main.dart.js", "index.html"]
}`

func newRuntimeOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/index.html", "/main.dart.js", "/assets/logo.png":
			_, _ = io.WriteString(w, "origin:"+r.URL.Path)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(origin.Close)
	return origin
}

func buildTestRuntime(t *testing.T, driver, origin string) *runtimeDeps {
	t.Helper()
	dir := t.TempDir()
	releasePath := filepath.Join(dir, "release.json")
	if err := os.WriteFile(releasePath, []byte(runtimeRelease), 0o644); err != nil {
		t.Fatalf("写入清单失败: %v", err)
	}
	configPath := filepath.Join(dir, "config.toml")
	content := `
StoragePath = "` + filepath.Join(dir, "storage") + `"
StorageDriver = "` + driver + `"

[App]
Origin = "` + origin + `"
ManifestPath = "release.json"
WatchManifest = false
`
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	release, err := manifest.Load(cfg.App.ManifestPath)
	if err != nil {
		t.Fatalf("加载清单失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rt, err := buildRuntime(ctx, cfg, logging.NewDiscardLogger())
	if err != nil {
		t.Fatalf("初始化运行时失败: %v", err)
	}
	t.Cleanup(rt.Close)
	rt.deployInitial(ctx, release)
	return rt
}

func TestRuntimeServesShellFromCache(t *testing.T) {
	for _, driver := range []string{config.StorageDriverFS, config.StorageDriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			origin := newRuntimeOrigin(t)
			rt := buildTestRuntime(t, driver, origin.URL)

			resp, err := rt.app.Test(httptest.NewRequest(http.MethodGet, "http://shell.local/main.dart.js", nil))
			if err != nil {
				t.Fatalf("请求失败: %v", err)
			}
			body, _ := io.ReadAll(resp.Body)
			if string(body) != "origin:/main.dart.js" {
				t.Fatalf("正文不符: %s", body)
			}
			if resp.Header.Get(proxy.CacheHitHeader) != "true" {
				t.Fatalf("部署后外壳文件应命中缓存")
			}
		})
	}
}

func TestRuntimeWorkerEndpoints(t *testing.T) {
	origin := newRuntimeOrigin(t)
	rt := buildTestRuntime(t, config.StorageDriverFS, origin.URL)

	req := httptest.NewRequest(http.MethodPost, "http://shell.local/-/worker/message", strings.NewReader("downloadOffline"))
	resp, err := rt.app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("发送命令失败: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("downloadOffline 应成功，得到 %d", resp.StatusCode)
	}

	resp, err = rt.app.Test(httptest.NewRequest(http.MethodGet, "http://shell.local/-/worker", nil))
	if err != nil {
		t.Fatalf("查询状态失败: %v", err)
	}
	var status struct {
		Active struct {
			Version string `json:"version"`
			State   string `json:"state"`
		} `json:"active"`
		ContentEntries int `json:"content_entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("解析状态失败: %v", err)
	}
	if status.Active.Version != "e2e-1" || status.Active.State != "activated" {
		t.Fatalf("active worker 状态不符: %+v", status.Active)
	}
	if status.ContentEntries != 4 {
		t.Fatalf("离线预取后 Content 应包含全部 4 个资源，得到 %d", status.ContentEntries)
	}
}

func TestOpenStorageRejectsUnknownDriver(t *testing.T) {
	if _, err := openStorage(config.GlobalConfig{StorageDriver: "redis", StoragePath: t.TempDir()}); err == nil {
		t.Fatalf("未知存储驱动应返回错误")
	}
}
