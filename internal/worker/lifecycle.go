package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/manifest"
)

// ErrNoActiveWorker 表示尚未有任何 worker 完成安装。
var ErrNoActiveWorker = errors.New("no active worker")

// Lifecycle 模拟宿主平台对 worker 版本的调度：新 Release 先 install 为 waiting，
// 请求 skip waiting 后立即 activate 并取代当前 active worker。
// 同一时刻只有一个 Deploy/升级在执行。
type Lifecycle struct {
	template Options
	logger   *logrus.Logger

	deployMu sync.Mutex

	mu      sync.RWMutex
	active  *managed
	waiting *managed
}

type managed struct {
	worker      *Worker
	skipWaiting atomic.Bool
	claimed     atomic.Bool
}

// WorkerStatus 是单个 worker 的诊断快照。
type WorkerStatus struct {
	Version   string `json:"version"`
	State     State  `json:"state"`
	Resources int    `json:"resources"`
	CoreFiles int    `json:"core_files"`
	Claimed   bool   `json:"claimed"`
}

// Status 是 Lifecycle 的诊断快照。
type Status struct {
	Active  *WorkerStatus `json:"active,omitempty"`
	Waiting *WorkerStatus `json:"waiting,omitempty"`
}

// NewLifecycle 以 template 为公共依赖创建 Lifecycle；template.Release 会被每次 Deploy 覆盖。
func NewLifecycle(template Options) *Lifecycle {
	logger := template.Logger
	if logger == nil {
		logger = logrus.New()
	}
	template.Logger = logger
	return &Lifecycle{template: template, logger: logger}
}

// Deploy 为 release 构建新 worker 并执行 install；install 成功且请求了 skip waiting 时立即 activate。
// 与当前 active 版本相同的 release 不会重复部署。install 失败时旧 worker 继续服务。
func (l *Lifecycle) Deploy(ctx context.Context, release manifest.Release) error {
	l.deployMu.Lock()
	defer l.deployMu.Unlock()

	if current := l.Active(); current != nil && current.Version() == release.Version {
		l.logger.WithFields(logging.WorkerFields("deploy", release.Version)).Debug("release_unchanged")
		return nil
	}

	m := &managed{}
	opts := l.template
	opts.Release = release
	opts.SkipWaiting = func() { m.skipWaiting.Store(true) }
	opts.ClaimClients = func() { m.claimed.Store(true) }
	w, err := New(opts)
	if err != nil {
		return err
	}
	m.worker = w

	l.mu.Lock()
	l.waiting = m
	l.mu.Unlock()

	if err := w.Install(ctx); err != nil {
		l.mu.Lock()
		if l.waiting == m {
			l.waiting = nil
		}
		l.mu.Unlock()
		return err
	}

	if m.skipWaiting.Load() || l.Active() == nil {
		l.promote(ctx, m)
	}
	return nil
}

// promote 激活 waiting worker 并将其设为 active，旧 worker 标记为 redundant。调用方需持有 deployMu。
func (l *Lifecycle) promote(ctx context.Context, m *managed) {
	report := m.worker.Activate(ctx)

	l.mu.Lock()
	previous := l.active
	l.active = m
	if l.waiting == m {
		l.waiting = nil
	}
	l.mu.Unlock()

	if previous != nil {
		previous.worker.setState(StateRedundant)
	}

	fields := logging.WorkerFields("promote", m.worker.Version())
	fields["reset"] = report.Reset
	if previous != nil {
		fields["previous_version"] = previous.worker.Version()
	}
	l.logger.WithFields(fields).Info("worker_promoted")
}

// Active 返回当前 active worker，没有时返回 nil。
func (l *Lifecycle) Active() *Worker {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.active == nil {
		return nil
	}
	return l.active.worker
}

// Fetch 将请求交给 active worker；没有 active worker 时不拦截。
func (l *Lifecycle) Fetch(ctx context.Context, req *http.Request) (FetchResult, error) {
	w := l.Active()
	if w == nil {
		return FetchResult{}, nil
	}
	return w.Fetch(ctx, req)
}

// Message 投递客户端命令。skipWaiting 优先发给 waiting worker 并在其请求后立即激活，
// 其它命令发给 active worker。
func (l *Lifecycle) Message(ctx context.Context, data string) (bool, error) {
	l.mu.RLock()
	target := l.active
	if data == CommandSkipWaiting && l.waiting != nil {
		target = l.waiting
	}
	if target == nil {
		target = l.waiting
	}
	l.mu.RUnlock()

	if target == nil {
		return false, ErrNoActiveWorker
	}

	recognized, err := target.worker.Message(ctx, data)
	if err != nil || data != CommandSkipWaiting {
		return recognized, err
	}

	// waiting worker 在 install 进行中时 Deploy 持有 deployMu，结束后会自行检查 skipWaiting 标记。
	if !l.deployMu.TryLock() {
		return recognized, nil
	}
	defer l.deployMu.Unlock()

	l.mu.RLock()
	stillWaiting := l.waiting == target
	l.mu.RUnlock()
	if stillWaiting && target.worker.State() == StateInstalled {
		l.promote(ctx, target)
	}
	return recognized, nil
}

// Status 返回 active/waiting worker 的快照。
func (l *Lifecycle) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Status{
		Active:  snapshot(l.active),
		Waiting: snapshot(l.waiting),
	}
}

func snapshot(m *managed) *WorkerStatus {
	if m == nil {
		return nil
	}
	release := m.worker.Release()
	return &WorkerStatus{
		Version:   release.Version,
		State:     m.worker.State(),
		Resources: len(release.Resources),
		CoreFiles: len(release.Core),
		Claimed:   m.claimed.Load(),
	}
}
