package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/trip-cache/internal/cache"
	"github.com/any-hub/trip-cache/internal/config"
	"github.com/any-hub/trip-cache/internal/fetch"
	"github.com/any-hub/trip-cache/internal/host"
	"github.com/any-hub/trip-cache/internal/logging"
	"github.com/any-hub/trip-cache/internal/proxy"
	"github.com/any-hub/trip-cache/internal/server"
	"github.com/any-hub/trip-cache/internal/server/routes"
	"github.com/any-hub/trip-cache/internal/version"
	"github.com/any-hub/trip-cache/internal/worker"
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

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_name"] = cfg.Agent.CacheName
		fields["assets"] = len(cfg.Agent.StaticAssets)
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// CLI 启动遵循“配置 → 日志 → 缓存存储 → 网络 → 注册代理版本 → Fiber server”顺序，
	// 保证请求到达前当前版本已完成 install/activate。
	storage, err := cache.NewStorage(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	network, err := buildNetwork(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化网络客户端失败: %v\n", err)
		return 1
	}

	agent, err := buildAgent(cfg, storage, network, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建缓存代理失败: %v\n", err)
		return 1
	}

	registration := host.NewRegistration(network, logger)
	if err := registration.Register(context.Background(), agent); err != nil {
		// 安装失败时页面流量直接走网络，等待下一次配置变更重新注册。
		logger.WithFields(logging.LifecycleFields("register", agent.Version())).
			WithError(err).Warn("初始版本安装失败，请求将直接回源")
	}

	if cfg.Global.WatchConfig {
		if err := watchConfig(opts.configPath, cfg, registration, storage, network, logger); err != nil {
			fmt.Fprintf(stdErr, "监听配置失败: %v\n", err)
			return 1
		}
	}

	origin, _ := cfg.Agent.OriginURL()
	handler := proxy.NewHandler(registration, origin, logger)
	forwarder := proxy.NewForwarder(handler, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["cache_name"] = cfg.Agent.CacheName
	fields["origin"] = cfg.Agent.Origin
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, registration, storage, forwarder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	registration.Wait()
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("trip-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 TRIP_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("TRIP_CACHE_CONFIG")
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

func buildNetwork(cfg *config.Config) (*fetch.Client, error) {
	origin, err := cfg.Agent.OriginURL()
	if err != nil {
		return nil, err
	}
	upstream, err := cfg.Agent.UpstreamURL()
	if err != nil {
		return nil, err
	}
	httpClient := fetch.NewHTTPClient(cfg.Global.UpstreamTimeout.DurationValue())
	return fetch.NewClient(httpClient, fetch.ClientOptions{Origin: origin, Upstream: upstream})
}

func buildAgent(cfg *config.Config, storage cache.Storage, network fetch.Fetcher, logger *logrus.Logger) (*worker.Worker, error) {
	scope, err := cfg.Agent.ScopeURL()
	if err != nil {
		return nil, err
	}
	return worker.New(worker.Options{
		Config: worker.Config{
			CacheName: cfg.Agent.CacheName,
			Assets:    cfg.Agent.StaticAssets,
			Scope:     scope,
		},
		Storage: storage,
		Network: network,
		Logger:  logger,
	})
}

// watchConfig 在配置文件变更时注册新版本。只有 CacheName 变化才构成新版本；
// 存储与监听参数需要重启进程才会生效。
func watchConfig(
	path string,
	current *config.Config,
	registration *host.Registration,
	storage cache.Storage,
	network fetch.Fetcher,
	logger *logrus.Logger,
) error {
	active := current.Agent
	return config.Watch(path, func(next *config.Config, err error) {
		fields := logging.BaseFields("config_reload", path)
		if err != nil {
			logger.WithFields(fields).WithError(err).Warn("配置重新加载失败")
			return
		}
		fields["cache_name"] = next.Agent.CacheName
		if next.Agent.CacheName == active.CacheName {
			if !slices.Equal(next.Agent.StaticAssets, active.StaticAssets) {
				logger.WithFields(fields).Warn("静态资源清单已变化但 CacheName 未更新，忽略")
			}
			return
		}

		agent, err := buildAgent(next, storage, network, logger)
		if err != nil {
			logger.WithFields(fields).WithError(err).Warn("构建新版本失败")
			return
		}
		if err := registration.Register(context.Background(), agent); err != nil {
			logger.WithFields(fields).WithError(err).Warn("新版本安装失败，旧版本继续服务")
			return
		}
		active = next.Agent
		logger.WithFields(fields).Info("新版本已注册")
	})
}

func startHTTPServer(
	cfg *config.Config,
	registration *host.Registration,
	storage cache.Storage,
	proxyHandler server.ProxyHandler,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterCacheRoutes(app, registration, storage)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
