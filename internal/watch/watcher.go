// Package watch 监听磁盘上的发布清单，变化后重新加载并交给 worker 生命周期部署。
// 编辑器与部署脚本保存一次往往产生多个事件，重载会经过去抖合并。
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/manifest"
)

// DefaultDebounce 是连续文件事件合并为一次重载的窗口。
const DefaultDebounce = 500 * time.Millisecond

// Deployer 接收新 Release，worker.Lifecycle 即满足该接口。
type Deployer interface {
	Deploy(ctx context.Context, release manifest.Release) error
}

// Options 配置 Watcher。
type Options struct {
	Path     string
	Debounce time.Duration
	Deployer Deployer
	Logger   *logrus.Logger
}

// Watcher 监听清单文件所在目录，目标文件变化后重新加载并部署。
type Watcher struct {
	path     string
	dir      string
	debounce time.Duration
	deployer Deployer
	logger   *logrus.Logger
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New 创建 Watcher；目录监听在 Start 时才注册。
func New(opts Options) (*Watcher, error) {
	if opts.Path == "" {
		return nil, errors.New("manifest path is required")
	}
	if opts.Deployer == nil {
		return nil, errors.New("deployer is required")
	}
	abs, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:     abs,
		dir:      filepath.Dir(abs),
		debounce: debounce,
		deployer: opts.Deployer,
		logger:   logger,
		watcher:  fw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start 注册目录监听并在后台运行事件循环，非阻塞。重复调用无副作用。
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return errors.New("watcher already stopped")
	}
	if w.running {
		return nil
	}
	// 监听目录而非文件本身，rename 式替换后依然有效。
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.running = true
	go w.run(ctx)

	fields := w.fields()
	fields["debounce_ms"] = w.debounce.Milliseconds()
	w.logger.WithFields(fields).Info("release_watch_started")
	return nil
}

// Stop 结束事件循环并等待其退出，随后释放 fsnotify 资源。
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	running := w.running
	w.mu.Unlock()

	if running {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.watcher.Close(); err != nil {
		w.logger.WithFields(w.fields()).WithError(err).Warn("release_watch_close_failed")
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithFields(w.fields()).WithError(err).Warn("release_watch_error")
		case <-fire:
			fire = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

// reload 重新读取清单并部署；失败只记录日志，当前 worker 继续服务。
func (w *Watcher) reload(ctx context.Context) {
	release, err := manifest.Load(w.path)
	if err != nil {
		w.logger.WithFields(w.fields()).WithError(err).Warn("release_load_failed")
		return
	}
	fields := logging.WorkerFields("release_reload", release.Version)
	fields["manifest_path"] = w.path
	if err := w.deployer.Deploy(ctx, release); err != nil {
		w.logger.WithFields(fields).WithError(err).Error("release_deploy_failed")
		return
	}
	w.logger.WithFields(fields).Info("release_deployed")
}

func (w *Watcher) fields() logrus.Fields {
	return logrus.Fields{
		"action":        "release_watch",
		"manifest_path": w.path,
	}
}
