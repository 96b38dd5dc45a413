package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/manifest"
)

const testOrigin = "https://app.test"

var testNames = Names{Temp: "temp", Content: "content", Manifest: "manifest"}

var errOffline = errors.New("network unreachable")

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeNetwork 是内存版上游：按 URL 返回预置正文，可切换为断网模式并记录所有请求。
type fakeNetwork struct {
	mu      sync.Mutex
	bodies  map[string]string
	status  map[string]int
	offline bool
	calls   []*http.Request
}

func newFakeNetwork(bodies map[string]string) *fakeNetwork {
	full := make(map[string]string, len(bodies))
	for key, body := range bodies {
		full[RequestURL(testOrigin, key)] = body
	}
	return &fakeNetwork{bodies: full, status: map[string]int{}}
}

func (f *fakeNetwork) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.offline {
		return nil, errOffline
	}
	target := *req.URL
	target.RawQuery = ""
	target.Fragment = ""
	url := target.String()
	body, ok := f.bodies[url]
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
		body = "not found"
	}
	if override, ok := f.status[url]; ok {
		status = override
	}
	header := http.Header{}
	header.Set("Content-Type", "text/plain")
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

func (f *fakeNetwork) setOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

func (f *fakeNetwork) setBody(key, body string) {
	f.mu.Lock()
	f.bodies[RequestURL(testOrigin, key)] = body
	f.mu.Unlock()
}

func (f *fakeNetwork) setStatus(key string, status int) {
	f.mu.Lock()
	f.status[RequestURL(testOrigin, key)] = status
	f.mu.Unlock()
}

func (f *fakeNetwork) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeNetwork) resetCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func (f *fakeNetwork) calledURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, req := range f.calls {
		out[i] = req.URL.String()
	}
	return out
}

// failingStorage 包装真实存储，在 failOn 返回错误时模拟分区操作失败。
type failingStorage struct {
	cache.Storage
	failOn func(op, partition, url string) error
}

func (s *failingStorage) Open(ctx context.Context, name string) (cache.Partition, error) {
	if err := s.failOn("open", name, ""); err != nil {
		return nil, err
	}
	part, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &failingPartition{Partition: part, failOn: s.failOn}, nil
}

type failingPartition struct {
	cache.Partition
	failOn func(op, partition, url string) error
}

func (p *failingPartition) Put(ctx context.Context, url string, resp *cache.Response) error {
	if err := p.failOn("put", p.Name(), url); err != nil {
		return err
	}
	return p.Partition.Put(ctx, url, resp)
}

func (p *failingPartition) Match(ctx context.Context, url string) (*cache.Response, error) {
	if err := p.failOn("match", p.Name(), url); err != nil {
		return nil, err
	}
	return p.Partition.Match(ctx, url)
}

func (p *failingPartition) Keys(ctx context.Context) ([]string, error) {
	if err := p.failOn("keys", p.Name(), ""); err != nil {
		return nil, err
	}
	return p.Partition.Keys(ctx)
}

func testRelease(version string, resources map[string]string, core ...string) manifest.Release {
	return manifest.Release{
		Version:   version,
		Resources: manifest.Manifest(resources),
		Core:      core,
	}
}

// baseRelease 是大多数用例共享的清单：根文档 + 两个外壳文件 + 两个普通资源。
func baseRelease() manifest.Release {
	return testRelease("v1", map[string]string{
		"/":               "root-1",
		"index.html":      "root-1",
		"main.dart.js":    "main-1",
		"flutter.js":      "flutter-1",
		"assets/logo.png": "logo-1",
	}, "main.dart.js", "index.html")
}

func newTestStorage(t *testing.T) cache.Storage {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func newTestWorker(t *testing.T, store cache.Storage, network Fetcher, release manifest.Release) *Worker {
	t.Helper()
	w, err := New(Options{
		Release:     release,
		Origin:      testOrigin,
		Names:       testNames,
		Storage:     store,
		Network:     network,
		Concurrency: 4,
	})
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	return w
}

// installAndActivate 执行一次完整的 install + activate 周期。
func installAndActivate(t *testing.T, w *Worker) ActivateReport {
	t.Helper()
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	report := w.Activate(context.Background())
	if report.Err != nil {
		t.Fatalf("activate failed: %v", report.Err)
	}
	return report
}

func newGet(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func contentKeys(t *testing.T, store cache.Storage) []string {
	t.Helper()
	part, err := store.Open(context.Background(), testNames.Content)
	if err != nil {
		t.Fatalf("open content: %v", err)
	}
	keys, err := part.Keys(context.Background())
	if err != nil {
		t.Fatalf("list content: %v", err)
	}
	return keys
}

func contentBody(t *testing.T, store cache.Storage, key string) (string, bool) {
	t.Helper()
	part, err := store.Open(context.Background(), testNames.Content)
	if err != nil {
		t.Fatalf("open content: %v", err)
	}
	resp, err := part.Match(context.Background(), RequestURL(testOrigin, key))
	if errors.Is(err, cache.ErrNotFound) {
		return "", false
	}
	if err != nil {
		t.Fatalf("match %s: %v", key, err)
	}
	return string(resp.Body), true
}

func putContent(t *testing.T, store cache.Storage, key, body string) {
	t.Helper()
	part, err := store.Open(context.Background(), testNames.Content)
	if err != nil {
		t.Fatalf("open content: %v", err)
	}
	if err := part.Put(context.Background(), RequestURL(testOrigin, key), &cache.Response{Status: 200, Body: []byte(body)}); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}
