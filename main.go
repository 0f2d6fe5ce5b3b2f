package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/pkghub/internal/cache"
	"github.com/any-hub/pkghub/internal/channel"
	"github.com/any-hub/pkghub/internal/config"
	"github.com/any-hub/pkghub/internal/eventloop"
	"github.com/any-hub/pkghub/internal/install"
	"github.com/any-hub/pkghub/internal/logging"
	"github.com/any-hub/pkghub/internal/packagedapp"
	"github.com/any-hub/pkghub/internal/proxy"
	"github.com/any-hub/pkghub/internal/server"
	"github.com/any-hub/pkghub/internal/server/routes"
	"github.com/any-hub/pkghub/internal/signing"
	"github.com/any-hub/pkghub/internal/version"
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
		fields["sites"] = len(cfg.Sites)
		fields["contexts"] = config.ContextModes(cfg.Sites)
		fields["signed_apps"] = cfg.Global.SignedApps
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建站点注册表失败: %v\n", err)
		return 1
	}

	// 启动顺序为“配置 → 站点注册表 → 磁盘缓存 → 事件循环 → 包服务 → Fiber server”，
	// 所有请求共享同一个事件循环与缓存实例。
	store, err := cache.NewStore(cfg.Global.StoragePath, cache.Options{Compress: cfg.Global.CompressEntries})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	loop := eventloop.New(logger)
	defer loop.Close()

	verifiers, err := signing.NewFactory(cfg.Global, loop, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化签名校验失败: %v\n", err)
		return 1
	}
	installer, err := install.NewRegistry(cfg.Global.StoragePath, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化安装记录失败: %v\n", err)
		return 1
	}

	service := packagedapp.NewService(packagedapp.Options{
		Store:     store,
		Channels:  channel.NewFactory(channel.NewUpstreamClient(cfg), loop, logger),
		Verifiers: verifiers,
		Installer: installer,
		Logger:    logger,
	})
	handler := proxy.NewHandler(service, loop, logger, cfg.Global.ResourceTimeout.DurationValue())

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = len(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["contexts"] = config.ContextModes(cfg.Sites)
	fields["signed_apps"] = cfg.Global.SignedApps
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	status := routes.StatusOptions{
		Registry: registry,
		Loop:     loop,
		Packages: service,
		Apps:     installer,
	}
	if err := startHTTPServer(cfg, registry, handler, status, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// printVersion 输出版本、提交号与 Go 版本。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("pkghub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 PKGHUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	return cliOptions{
		configPath:  config.ResolvePath(configFlag),
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(cfg *config.Config, registry *server.SiteRegistry, proxyHandler server.ProxyHandler, status routes.StatusOptions, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterStatusRoutes(app, status)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
