package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/manifest"
)

// manifestEntryKey 是 Manifest Store 分区里唯一条目的 key。
const manifestEntryKey = "manifest"

// Fetcher 抽象网络访问，*http.Client 即满足该接口；测试中注入假实现以模拟断网。
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Names 是三个分区的名字，启动时注入后不再变化。
type Names struct {
	Temp     string
	Content  string
	Manifest string
}

// Options 汇总 Worker 的全部依赖。Release、Origin 与 Names 共同构成不可变配置。
type Options struct {
	Release manifest.Release
	// Origin 形如 https://app.example.com，不带末尾 "/"。
	Origin  string
	Names   Names
	Storage cache.Storage
	Network Fetcher
	Logger  *logrus.Logger
	// Concurrency 限制批量拉取（install/downloadOffline）的并发请求数。
	Concurrency int

	// SkipWaiting 在 install 完成或收到 skipWaiting 命令时调用。
	SkipWaiting func()
	// ClaimClients 在 activate 成功后调用，表示新 worker 立即接管所有客户端。
	ClaimClients func()
}

// State 是 worker 的生命周期状态。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Worker 是绑定到单个 Release 的 Cache Reconciler。
type Worker struct {
	release     manifest.Release
	origin      string
	names       Names
	storage     cache.Storage
	network     Fetcher
	logger      *logrus.Logger
	concurrency int

	skipWaiting  func()
	claimClients func()

	mu    sync.RWMutex
	state State
}

// New 校验依赖并构造 Worker。
func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network fetcher is required")
	}
	if opts.Origin == "" {
		return nil, errors.New("origin is required")
	}
	if opts.Names.Temp == "" || opts.Names.Content == "" || opts.Names.Manifest == "" {
		return nil, errors.New("partition names are required")
	}
	if err := opts.Release.Validate(); err != nil {
		return nil, fmt.Errorf("invalid release: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		release:      opts.Release,
		origin:       opts.Origin,
		names:        opts.Names,
		storage:      opts.Storage,
		network:      opts.Network,
		logger:       logger,
		concurrency:  concurrency,
		skipWaiting:  opts.SkipWaiting,
		claimClients: opts.ClaimClients,
		state:        StateParsed,
	}, nil
}

// Version 返回绑定 Release 的版本号。
func (w *Worker) Version() string {
	return w.release.Version
}

// Release 返回绑定的 Release。
func (w *Worker) Release() manifest.Release {
	return w.release
}

// State 返回当前生命周期状态。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Worker) fields(action string) logrus.Fields {
	return logging.WorkerFields(action, w.release.Version)
}

// fetchNetwork 发出一次网络请求并完整读取响应。网络错误原样返回，HTTP 错误状态不视为错误。
func (w *Worker) fetchNetwork(req *http.Request) (*cache.Response, error) {
	resp, err := w.network.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL, err)
	}
	return &cache.Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

// newRequest 为逻辑 key 构造 GET 请求；reload 为 true 时绕过任何中间缓存。
func (w *Worker) newRequest(ctx context.Context, key string, reload bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, RequestURL(w.origin, key), nil)
	if err != nil {
		return nil, err
	}
	if reload {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}
	return req, nil
}
