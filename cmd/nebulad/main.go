package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"Nebula-Host/internal/config"
	"Nebula-Host/internal/events"
	"Nebula-Host/internal/identity"
	"Nebula-Host/internal/observability/alerting"
	"Nebula-Host/internal/observability/metrics"
	"Nebula-Host/internal/plugin"
	"Nebula-Host/internal/plugin/runner"
	"Nebula-Host/internal/storage/mysql"
	"Nebula-Host/pkg/logger"
)

// main 是 Nebula 宿主守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("nebulad 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("NEBULA_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "nebula.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
	}); err != nil {
		return err
	}
	defer logger.Sync()

	store, err := createIdentityStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	bus, err := createEventBus(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Printf("关闭事件总线失败: %v", err)
		}
	}()

	manager := plugin.NewManager(managerConfig(cfg), plugin.Dependencies{
		Store:  store,
		Bus:    bus,
		Alerts: alerting.NewFanout(alerting.LogNotifier{}),
		Loader: runner.Load,
	})
	if err := manager.Initialize(ctx); err != nil {
		return err
	}
	defer manager.Shutdown(context.Background())

	if cfg.Observability.MetricsAddr != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Observability.MetricsAddr); err != nil && ctx.Err() == nil {
				logger.L().Warn("指标服务退出", "error", err)
			}
		}()
	}

	if cfg.Plugins.Enabled && cfg.Plugins.WatchScanPath {
		watcher, err := plugin.NewWatcher(manager)
		if err != nil {
			logger.L().Warn("插件目录监听不可用，仅支持手动重扫描")
		} else {
			defer watcher.Close()
		}
	}

	<-ctx.Done()
	return nil
}

func createIdentityStore(ctx context.Context, cfg *config.Config) (identity.Store, error) {
	switch cfg.Identity.Driver {
	case "", "memory":
		return identity.NewMemoryStore(), nil
	case "mysql":
		return mysql.NewSQLIdentityStore(ctx, mysql.Config{
			DSN:             cfg.Identity.MySQL.DSN,
			MaxOpenConns:    cfg.Identity.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Identity.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Identity.MySQL.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Identity.MySQL.ConnMaxIdleTimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的身份存储驱动: %s", cfg.Identity.Driver)
	}
}

func createEventBus(cfg *config.Config) (events.Bus, error) {
	switch cfg.Events.Driver {
	case "", "memory":
		return events.NewMemoryBus(), nil
	case "redis":
		return events.NewRedisBus(events.RedisBusConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Channel:  cfg.Events.Redis.Channel,
		})
	case "rabbitmq":
		return events.NewRabbitBus(events.RabbitBusConfig{
			URL:      cfg.Events.RabbitMQ.URL,
			Exchange: cfg.Events.RabbitMQ.Exchange,
		})
	default:
		return nil, fmt.Errorf("未知的事件总线驱动: %s", cfg.Events.Driver)
	}
}

func managerConfig(cfg *config.Config) plugin.ManagerConfig {
	external := make([]plugin.ExternalEndpoint, 0, len(cfg.Plugins.External))
	for _, item := range cfg.Plugins.External {
		external = append(external, plugin.ExternalEndpoint{
			Name:        item.Name,
			Endpoint:    item.Endpoint,
			Version:     item.Version,
			Description: item.Description,
			Scopes:      item.Scopes,
			TokenEnv:    item.TokenEnv,
		})
	}

	return plugin.ManagerConfig{
		Enabled:               cfg.Plugins.Enabled,
		Environment:           cfg.Plugins.Environment,
		ScanPath:              cfg.Plugins.ScanPath,
		InProcessEnabled:      cfg.Plugins.InProcessEnabled,
		ProcessRuntimeEnabled: cfg.Plugins.ProcessRuntimeEnabled,

		InitTimeoutSec:    cfg.Plugins.InitTimeoutSec,
		DefaultTimeoutSec: cfg.Plugins.DefaultTimeoutSec,
		MaxTimeoutSec:     cfg.Plugins.MaxTimeoutSec,
		CallTimeoutSec:    cfg.Plugins.CallTimeoutSec,

		HealthIntervalSec:       cfg.Plugins.HealthIntervalSec,
		MaxRestarts:             cfg.Plugins.MaxRestarts,
		MaxCrashes:              cfg.Plugins.MaxCrashes,
		TimeoutRestartThreshold: cfg.Plugins.TimeoutRestartThreshold,
		HealthRestartThreshold:  cfg.Plugins.HealthRestartThreshold,

		MemoryLimitMB:   cfg.Plugins.MemoryLimitMB,
		CPUTimeLimitSec: cfg.Plugins.CPUTimeLimitSec,

		RuntimeSocketDir: cfg.Plugins.RuntimeSocketDir,
		RuntimeLogDir:    cfg.Plugins.RuntimeLogDir,
		WorkerCommand:    cfg.Plugins.WorkerCommand,
		AllowRemote:      cfg.Plugins.AllowRemote,

		Cgroup: plugin.GroupManagerConfig{
			Enabled:     cfg.Plugins.Cgroup.Enabled,
			Required:    cfg.Plugins.Cgroup.Required,
			Root:        cfg.Plugins.Cgroup.Root,
			CPUQuotaUs:  cfg.Plugins.Cgroup.CPUQuotaUs,
			CPUPeriodUs: cfg.Plugins.Cgroup.CPUPeriodUs,
			PidsMax:     cfg.Plugins.Cgroup.PidsMax,
		},
		External: external,
	}
}
