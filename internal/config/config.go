package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 Nebula 宿主进程在启动阶段需要加载的核心配置。
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Identity      IdentityConfig      `json:"identity"`
	Events        EventsConfig        `json:"events"`
	Plugins       PluginsConfig       `json:"plugins"`
	Observability ObservabilityConfig `json:"observability"`
}

// LoggingConfig 控制结构化日志的输出方式。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
}

// ObservabilityConfig 控制指标端点。地址为空时不启动指标服务。
type ObservabilityConfig struct {
	MetricsAddr string `json:"metrics_addr"`
}

// IdentityConfig 统一描述身份数据存储后端的连接信息。
type IdentityConfig struct {
	Driver string      `json:"driver"`
	MySQL  MySQLConfig `json:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// EventsConfig 描述事件总线的驱动选择。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 发布通道的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
}

// RabbitMQConfig 描述 RabbitMQ 交换机的连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
}

// PluginsConfig 汇总插件子系统的运行参数。
type PluginsConfig struct {
	Enabled                 bool             `json:"enabled"`
	Environment             string           `json:"environment"`
	ScanPath                string           `json:"scan_path"`
	WatchScanPath           bool             `json:"watch_scan_path"`
	InProcessEnabled        bool             `json:"in_process_enabled"`
	ProcessRuntimeEnabled   bool             `json:"process_runtime_enabled"`
	InitTimeoutSec          float64          `json:"init_timeout_sec"`
	DefaultTimeoutSec       float64          `json:"default_timeout_sec"`
	MaxTimeoutSec           float64          `json:"max_timeout_sec"`
	CallTimeoutSec          float64          `json:"call_timeout_sec"`
	HealthIntervalSec       int              `json:"health_interval_sec"`
	MaxRestarts             int              `json:"max_restarts"`
	MaxCrashes              int              `json:"max_crashes"`
	TimeoutRestartThreshold int              `json:"timeout_restart_threshold"`
	HealthRestartThreshold  int              `json:"health_restart_threshold"`
	MemoryLimitMB           int              `json:"memory_limit_mb"`
	CPUTimeLimitSec         int              `json:"cpu_time_limit_sec"`
	RuntimeSocketDir        string           `json:"runtime_socket_dir"`
	RuntimeLogDir           string           `json:"runtime_log_dir"`
	WorkerCommand           []string         `json:"worker_command"`
	AllowRemote             bool             `json:"allow_remote"`
	Cgroup                  CgroupConfig     `json:"cgroup"`
	External                []ExternalPlugin `json:"external"`
}

// CgroupConfig 控制 cgroup v2 资源组的开关与限额。
type CgroupConfig struct {
	Enabled     bool   `json:"enabled"`
	Required    bool   `json:"required"`
	Root        string `json:"root"`
	CPUQuotaUs  int    `json:"cpu_quota_us"`
	CPUPeriodUs int    `json:"cpu_period_us"`
	PidsMax     int    `json:"pids_max"`
}

// ExternalPlugin 描述通过网络接入的外部插件。
type ExternalPlugin struct {
	Name        string   `json:"name"`
	Endpoint    string   `json:"endpoint"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Scopes      []string `json:"scopes"`
	TokenEnv    string   `json:"token_env"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Identity.Driver == "" {
		c.Identity.Driver = "memory"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Redis.Channel == "" {
		c.Events.Redis.Channel = "nebula:events"
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "nebula.events"
	}

	if c.Plugins.Environment == "" {
		c.Plugins.Environment = os.Getenv("ENV")
	}
	if c.Plugins.Environment == "" {
		c.Plugins.Environment = "development"
	}
	if c.Plugins.ScanPath == "" {
		c.Plugins.ScanPath = "plugins"
	}
	if !filepath.IsAbs(c.Plugins.ScanPath) {
		c.Plugins.ScanPath = filepath.Join(baseDir, c.Plugins.ScanPath)
	}
	if c.Plugins.RuntimeSocketDir == "" {
		c.Plugins.RuntimeSocketDir = "/tmp/nebula/plugins"
	}
	if c.Plugins.RuntimeLogDir == "" {
		c.Plugins.RuntimeLogDir = "/tmp/nebula/plugin-logs"
	}
}
