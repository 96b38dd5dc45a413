package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/goleak"

	"github.com/shellcache/shellcache/internal/manifest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingDeployer struct {
	mu       sync.Mutex
	versions []string
	err      error
	deployed chan string
}

func newRecordingDeployer() *recordingDeployer {
	return &recordingDeployer{deployed: make(chan string, 16)}
}

func (d *recordingDeployer) Deploy(_ context.Context, release manifest.Release) error {
	d.mu.Lock()
	d.versions = append(d.versions, release.Version)
	err := d.err
	d.mu.Unlock()
	d.deployed <- release.Version
	return err
}

func (d *recordingDeployer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.versions)
}

func writeRelease(t *testing.T, path, version string) {
	t.Helper()
	content := fmt.Sprintf(`{
  "version": %q,
  "resources": {"/": "a", "index.html": "a", "main.dart.js": %q},
  "core": ["main.dart.js", "index.html"]
}`, version, "sum-"+version)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write release: %v", err)
	}
}

func startWatcher(t *testing.T, path string, deployer Deployer) *Watcher {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	w, err := New(Options{Path: path, Debounce: 50 * time.Millisecond, Deployer: deployer, Logger: logger})
	if err != nil {
		t.Fatalf("create watcher: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func waitDeploy(t *testing.T, d *recordingDeployer) string {
	t.Helper()
	select {
	case version := <-d.deployed:
		return version
	case <-time.After(3 * time.Second):
		t.Fatalf("等待部署超时")
		return ""
	}
}

func TestWatcherDeploysChangedRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "release.json")
	writeRelease(t, path, "v1")
	deployer := newRecordingDeployer()
	startWatcher(t, path, deployer)

	writeRelease(t, path, "v2")
	if version := waitDeploy(t, deployer); version != "v2" {
		t.Fatalf("期望部署 v2，实际 %s", version)
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "release.json")
	writeRelease(t, path, "v1")
	deployer := newRecordingDeployer()
	startWatcher(t, path, deployer)

	for i := 2; i <= 6; i++ {
		writeRelease(t, path, fmt.Sprintf("v%d", i))
	}
	if version := waitDeploy(t, deployer); version != "v6" {
		t.Fatalf("去抖后应只部署最后一个版本，实际 %s", version)
	}
	time.Sleep(200 * time.Millisecond)
	if deployer.count() != 1 {
		t.Fatalf("连续写入应合并为一次部署，实际 %d 次", deployer.count())
	}
}

func TestWatcherIgnoresOtherFilesAndBadReleases(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "release.json")
	writeRelease(t, path, "v1")
	deployer := newRecordingDeployer()
	startWatcher(t, path, deployer)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write broken release: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if deployer.count() != 0 {
		t.Fatalf("无关文件或无效清单不应触发部署")
	}

	writeRelease(t, path, "v3")
	if version := waitDeploy(t, deployer); version != "v3" {
		t.Fatalf("修复清单后应部署 v3，实际 %s", version)
	}
}

func TestWatcherSurvivesDeployFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "release.json")
	writeRelease(t, path, "v1")
	deployer := newRecordingDeployer()
	deployer.err = errors.New("install failed")
	startWatcher(t, path, deployer)

	writeRelease(t, path, "v2")
	waitDeploy(t, deployer)

	deployer.mu.Lock()
	deployer.err = nil
	deployer.mu.Unlock()
	writeRelease(t, path, "v3")
	if version := waitDeploy(t, deployer); version != "v3" {
		t.Fatalf("部署失败后应继续监听，实际 %s", version)
	}
}

func TestWatcherRenameReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "release.json")
	writeRelease(t, path, "v1")
	deployer := newRecordingDeployer()
	startWatcher(t, path, deployer)

	tmp := filepath.Join(dir, "release.json.tmp")
	writeRelease(t, tmp, "v2")
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if version := waitDeploy(t, deployer); version != "v2" {
		t.Fatalf("rename 替换后应部署 v2，实际 %s", version)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{Deployer: newRecordingDeployer()}); err == nil {
		t.Fatalf("缺少路径时应返回错误")
	}
	if _, err := New(Options{Path: "release.json"}); err == nil {
		t.Fatalf("缺少 deployer 时应返回错误")
	}
}

func TestStopWithoutStart(t *testing.T) {
	w, err := New(Options{Path: filepath.Join(t.TempDir(), "release.json"), Deployer: newRecordingDeployer()})
	if err != nil {
		t.Fatalf("create watcher: %v", err)
	}
	w.Stop()
	w.Stop()
	if err := w.Start(context.Background()); err == nil {
		t.Fatalf("停止后不应再启动")
	}
}
