package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/manifest"
	"github.com/shellcache/shellcache/internal/proxy"
	"github.com/shellcache/shellcache/internal/server"
	"github.com/shellcache/shellcache/internal/server/routes"
	"github.com/shellcache/shellcache/internal/version"
	"github.com/shellcache/shellcache/internal/watch"
	"github.com/shellcache/shellcache/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	release, err := manifest.Load(cfg.App.ManifestPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载发布清单失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.App.OriginURL()
		fields["release_version"] = release.Version
		fields["resources"] = len(release.Resources)
		fields["core_files"] = len(release.Core)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 分区存储 → worker 生命周期（首次部署）→ 清单监听 → Fiber server。
	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer rt.Close()

	rt.deployInitial(ctx, release)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.App.OriginURL()
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, rt.app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置与发布清单后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELLCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// runtimeDeps 持有进程生命周期内共享的组件。
type runtimeDeps struct {
	cfg       *config.Config
	logger    *logrus.Logger
	store     cache.Storage
	lifecycle *worker.Lifecycle
	watcher   *watch.Watcher
	app       *fiber.App
}

func buildRuntime(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*runtimeDeps, error) {
	store, err := openStorage(cfg.Global)
	if err != nil {
		return nil, fmt.Errorf("初始化分区存储失败: %w", err)
	}

	httpClient := server.NewUpstreamClient(cfg)
	lifecycle := worker.NewLifecycle(worker.Options{
		Origin: cfg.App.OriginURL(),
		Names: worker.Names{
			Temp:     cfg.Partitions.Temp,
			Content:  cfg.Partitions.Content,
			Manifest: cfg.Partitions.Manifest,
		},
		Storage:     store,
		Network:     httpClient,
		Logger:      logger,
		Concurrency: cfg.App.FetchConcurrency,
	})

	rt := &runtimeDeps{cfg: cfg, logger: logger, store: store, lifecycle: lifecycle}

	handler, err := proxy.NewHandler(cfg.App.OriginURL(), lifecycle, httpClient, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      handler,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	routes.RegisterWorkerRoutes(app, routes.WorkerRouteOptions{
		Controller:       lifecycle,
		Storage:          store,
		ContentPartition: cfg.Partitions.Content,
		Logger:           logger,
	})
	rt.app = app

	if cfg.App.WatchManifest {
		watcher, err := watch.New(watch.Options{
			Path:     cfg.App.ManifestPath,
			Debounce: cfg.App.WatchDebounce.DurationValue(),
			Deployer: lifecycle,
			Logger:   logger,
		})
		if err != nil {
			rt.Close()
			return nil, err
		}
		if err := watcher.Start(ctx); err != nil {
			watcher.Stop()
			rt.Close()
			return nil, err
		}
		rt.watcher = watcher
	}
	return rt, nil
}

// deployInitial 安装启动时的 Release。origin 不可达时只记录日志，
// 服务先以透传模式运行，清单下次变化时再尝试部署。
func (rt *runtimeDeps) deployInitial(ctx context.Context, release manifest.Release) {
	if err := rt.lifecycle.Deploy(ctx, release); err != nil {
		rt.logger.WithFields(logging.WorkerFields("deploy", release.Version)).
			WithError(err).Error("initial_deploy_failed")
	}
}

// Close 停止监听并释放存储；可重复调用。
func (rt *runtimeDeps) Close() {
	if rt.watcher != nil {
		rt.watcher.Stop()
		rt.watcher = nil
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.WithError(err).Warn("storage_close_failed")
		}
		rt.store = nil
	}
}

func openStorage(cfg config.GlobalConfig) (cache.Storage, error) {
	switch cfg.StorageDriver {
	case config.StorageDriverSQLite:
		return cache.NewSQLiteStore(cfg.StoragePath)
	case config.StorageDriverFS, "":
		return cache.NewStore(cfg.StoragePath)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func startHTTPServer(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	go func() {
		<-ctx.Done()
		if err := app.Shutdown(); err != nil {
			logger.WithError(err).Warn("Fiber 服务关闭失败")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err := app.Listen(fmt.Sprintf(":%d", port))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
