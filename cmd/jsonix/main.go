// jsonix hosts the registry and topic servers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/Raykevin-live/RpcJsonix/config"
	"github.com/Raykevin-live/RpcJsonix/registry"
	"github.com/Raykevin-live/RpcJsonix/server"
)

const shutdownTimeout = 5 * time.Second

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	etcdFlag = &cli.StringFlag{
		Name:  "etcd",
		Usage: "comma separated etcd endpoints mirroring the registry",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log.level",
		Usage: "log level (debug, info, warn, error)",
	}
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "listen address",
	}
	registryListenFlag = &cli.StringFlag{
		Name:  "registry.listen",
		Usage: "registry listen address",
	}
	topicListenFlag = &cli.StringFlag{
		Name:  "topic.listen",
		Usage: "topic broker listen address",
	}
)

var app = &cli.App{
	Name:  "jsonix",
	Usage: "JSON RPC registry and topic broker",
	Flags: []cli.Flag{configFileFlag, etcdFlag, logLevelFlag},
	Commands: []*cli.Command{
		{
			Name:   "registry",
			Usage:  "run the service registry",
			Flags:  []cli.Flag{listenFlag},
			Action: runRegistry,
		},
		{
			Name:   "topic",
			Usage:  "run the topic broker",
			Flags:  []cli.Flag{listenFlag},
			Action: runTopic,
		},
		{
			Name:   "all",
			Usage:  "run the registry and the topic broker in one process",
			Flags:  []cli.Flag{registryListenFlag, topicListenFlag},
			Action: runAll,
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig applies the command line over the configuration file.
func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg, err := config.Load(ctx.String(configFileFlag.Name))
	if err != nil {
		return cfg, err
	}
	if ctx.IsSet(etcdFlag.Name) {
		cfg.Registry.EtcdEndpoints = strings.Split(ctx.String(etcdFlag.Name), ",")
	}
	if ctx.IsSet(logLevelFlag.Name) {
		cfg.Log.Level = ctx.String(logLevelFlag.Name)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// setup loads the configuration and builds the logger shared by every
// command.
func setup(ctx *cli.Context) (config.Config, *zap.Logger, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return cfg, nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return cfg, nil, err
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}

type service interface {
	ListenAndServe(address string) error
	Shutdown(timeout time.Duration) error
}

// serve runs s until ctx ends.
func serve(ctx context.Context, g *errgroup.Group, s service, addr string) {
	g.Go(func() error {
		return s.ListenAndServe(addr)
	})
	g.Go(func() error {
		<-ctx.Done()
		return s.Shutdown(shutdownTimeout)
	})
}

func newRegistryServer(cfg config.Config, logger *zap.Logger) (*server.RegistryServer, func(), error) {
	opts := []server.Option{
		server.WithLogger(logger.Named("registry")),
		server.WithMaxBuffer(cfg.Registry.MaxBuffer),
		server.WithMirrorTimeout(cfg.Registry.MirrorTimeout.Duration),
	}
	cleanup := func() {}
	if len(cfg.Registry.EtcdEndpoints) > 0 {
		mirror, err := registry.NewEtcdMirror(cfg.Registry.EtcdEndpoints,
			registry.WithEtcdPrefix(cfg.Registry.EtcdPrefix),
			registry.WithEtcdTTL(cfg.Registry.EtcdTTL),
			registry.WithEtcdLogger(logger.Named("etcd")))
		if err != nil {
			return nil, nil, fmt.Errorf("connect etcd: %w", err)
		}
		opts = append(opts, server.WithMirror(mirror))
		cleanup = func() { mirror.Close() }
	}
	return server.NewRegistryServer(opts...), cleanup, nil
}

func newTopicServer(cfg config.Config, logger *zap.Logger) *server.TopicServer {
	return server.NewTopicServer(
		server.WithLogger(logger.Named("topic")),
		server.WithMaxBuffer(cfg.Topic.MaxBuffer))
}

func signalContext(ctx *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
}

func runRegistry(ctx *cli.Context) error {
	cfg, logger, err := setup(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if ctx.IsSet(listenFlag.Name) {
		cfg.Registry.Listen = ctx.String(listenFlag.Name)
	}

	reg, cleanup, err := newRegistryServer(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	sctx, stop := signalContext(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(sctx)
	serve(gctx, g, reg, cfg.Registry.Listen)
	return g.Wait()
}

func runTopic(ctx *cli.Context) error {
	cfg, logger, err := setup(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if ctx.IsSet(listenFlag.Name) {
		cfg.Topic.Listen = ctx.String(listenFlag.Name)
	}

	sctx, stop := signalContext(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(sctx)
	serve(gctx, g, newTopicServer(cfg, logger), cfg.Topic.Listen)
	return g.Wait()
}

func runAll(ctx *cli.Context) error {
	cfg, logger, err := setup(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if ctx.IsSet(registryListenFlag.Name) {
		cfg.Registry.Listen = ctx.String(registryListenFlag.Name)
	}
	if ctx.IsSet(topicListenFlag.Name) {
		cfg.Topic.Listen = ctx.String(topicListenFlag.Name)
	}

	reg, cleanup, err := newRegistryServer(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	sctx, stop := signalContext(ctx)
	defer stop()
	// either server failing stops the other
	g, gctx := errgroup.WithContext(sctx)
	serve(gctx, g, reg, cfg.Registry.Listen)
	serve(gctx, g, newTopicServer(cfg, logger), cfg.Topic.Listen)
	return g.Wait()
}
