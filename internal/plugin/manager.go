package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	xerrors "Nebula-Host/internal/errors"
	"Nebula-Host/internal/events"
	"Nebula-Host/internal/identity"
	"Nebula-Host/internal/observability/alerting"
	"Nebula-Host/internal/observability/metrics"
	"Nebula-Host/pkg/logger"
)

// ExternalEndpoint 描述通过网络接入的外部插件，来自宿主配置。
type ExternalEndpoint struct {
	Name        string
	Endpoint    string
	Version     string
	Description string
	Scopes      []string
	TokenEnv    string
}

// ManagerConfig 汇总插件子系统的运行参数。零值字段取默认值后再钳制。
type ManagerConfig struct {
	Enabled               bool
	Environment           string
	ScanPath              string
	InProcessEnabled      bool
	ProcessRuntimeEnabled bool

	InitTimeoutSec    float64
	DefaultTimeoutSec float64
	MaxTimeoutSec     float64
	CallTimeoutSec    float64

	HealthIntervalSec       int
	MaxRestarts             int
	MaxCrashes              int
	TimeoutRestartThreshold int
	HealthRestartThreshold  int

	MemoryLimitMB   int
	CPUTimeLimitSec int

	RuntimeSocketDir string
	RuntimeLogDir    string
	WorkerCommand    []string
	AllowRemote      bool

	Cgroup   GroupManagerConfig
	External []ExternalEndpoint
}

// Loader creates an in-process plugin instance from a plugin directory.
// Injected so the manager stays decoupled from the runner's loading rules.
type Loader func(name, pluginDir string) (Plugin, error)

// Dependencies are the collaborators the manager needs at runtime. Alerts
// and Loader may be nil.
type Dependencies struct {
	Store  identity.Store
	Bus    events.Bus
	Alerts alerting.Dispatcher
	Loader Loader
}

// Manager owns the plugin registry: it discovers plugins under the scan
// path, spawns isolated workers, supervises their health and enforces the
// restart policy.
type Manager struct {
	enabled               bool
	devMode               bool
	inProcessEnabled      bool
	processRuntimeEnabled bool
	scanPath              string

	initTimeout    time.Duration
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	callTimeout    time.Duration
	healthInterval time.Duration

	maxRestarts             int
	maxCrashes              int
	timeoutRestartThreshold int
	healthRestartThreshold  int

	memoryLimitMB   int
	cpuTimeLimitSec int

	runtimeSocketDir string
	runtimeLogDir    string
	workerCommand    []string
	allowRemote      bool

	groups      *GroupManager
	groupsReady bool
	external    []ExternalEndpoint

	deps Dependencies

	mu      sync.Mutex
	records map[string]*record

	stopCh   chan struct{}
	loopDone chan struct{}

	log *slog.Logger
}

// NewManager normalizes the configuration and builds a manager. Nothing is
// scanned or spawned until Initialize.
func NewManager(cfg ManagerConfig, deps Dependencies) *Manager {
	environment := strings.ToLower(strings.TrimSpace(cfg.Environment))
	if environment == "" {
		environment = "development"
	}
	devMode := environment != "prod" && environment != "production"

	defaultTimeout := clampTimeout(orFloat(cfg.DefaultTimeoutSec, 10))
	callTimeout := clampTimeout(orFloat(cfg.CallTimeoutSec, orFloat(cfg.DefaultTimeoutSec, 10)))
	maxTimeout := clampTimeout(orFloat(cfg.MaxTimeoutSec, 30))
	if callTimeout > maxTimeout {
		callTimeout = maxTimeout
	}

	cgroupCfg := cfg.Cgroup
	cgroupCfg.MemoryLimitMB = orInt(cfg.MemoryLimitMB, 128)
	if cgroupCfg.CPUQuotaUs == 0 {
		cgroupCfg.CPUQuotaUs = 50000
	}
	if cgroupCfg.CPUPeriodUs == 0 {
		cgroupCfg.CPUPeriodUs = 100000
	}
	if cgroupCfg.PidsMax == 0 {
		cgroupCfg.PidsMax = 128
	}

	workerCommand := cfg.WorkerCommand
	if len(workerCommand) == 0 {
		workerCommand = []string{"nebula-worker"}
	}

	m := &Manager{
		enabled:               cfg.Enabled,
		devMode:               devMode,
		inProcessEnabled:      cfg.InProcessEnabled && devMode,
		processRuntimeEnabled: cfg.ProcessRuntimeEnabled,
		scanPath:              cfg.ScanPath,

		initTimeout:    clampTimeout(orFloat(cfg.InitTimeoutSec, 5)),
		defaultTimeout: defaultTimeout,
		maxTimeout:     maxTimeout,
		callTimeout:    callTimeout,
		healthInterval: time.Duration(max(5, orInt(cfg.HealthIntervalSec, 30))) * time.Second,

		maxRestarts:             max(1, orInt(cfg.MaxRestarts, 3)),
		maxCrashes:              max(1, orInt(cfg.MaxCrashes, 3)),
		timeoutRestartThreshold: max(1, orInt(cfg.TimeoutRestartThreshold, 3)),
		healthRestartThreshold:  max(1, orInt(cfg.HealthRestartThreshold, 2)),

		memoryLimitMB:   max(64, orInt(cfg.MemoryLimitMB, 128)),
		cpuTimeLimitSec: max(1, orInt(cfg.CPUTimeLimitSec, 30)),

		runtimeSocketDir: orString(cfg.RuntimeSocketDir, "/tmp/nebula/plugins"),
		runtimeLogDir:    orString(cfg.RuntimeLogDir, "/tmp/nebula/plugin-logs"),
		workerCommand:    workerCommand,
		allowRemote:      cfg.AllowRemote,

		groups:   NewGroupManager(cgroupCfg),
		external: cfg.External,

		deps:    deps,
		records: make(map[string]*record),
		log:     logger.Named("plugin.manager"),
	}

	if cfg.InProcessEnabled && !devMode {
		m.log.Warn("非 DEV 环境下 in-process 插件已被禁用")
	}
	return m
}

// Initialize prepares the cgroup backend and runtime directories, runs the
// initial scan and starts the health monitor.
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.enabled {
		m.log.Info("插件子系统已按配置禁用")
		return nil
	}

	m.groupsReady = false
	ok, msg := m.groups.Initialize()
	switch {
	case !ok && m.groups.Required():
		return xerrors.New(xerrors.CodeConfigurationFailure,
			fmt.Sprintf("cgroup v2 初始化失败: %s", msg))
	case !ok:
		m.log.Warn("cgroup 后端不可用，降级为无硬隔离运行", slog.String("reason", msg))
		m.dispatchAlert(alerting.Event{
			Code:       xerrors.CodeConfigurationFailure,
			Message:    "cgroup backend unavailable: " + msg,
			Severity:   xerrors.SeverityWarning,
			OccurredAt: time.Now(),
		})
	default:
		m.log.Info("cgroup 后端就绪", slog.String("detail", msg))
		m.groupsReady = m.groups.Ready()
	}

	if err := os.MkdirAll(m.runtimeSocketDir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeConfigurationFailure, err, "创建 socket 目录失败")
	}
	if err := os.MkdirAll(m.runtimeLogDir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeConfigurationFailure, err, "创建插件日志目录失败")
	}

	if _, err := m.Rescan(ctx); err != nil {
		return err
	}

	m.stopCh = make(chan struct{})
	m.loopDone = make(chan struct{})
	go m.healthMonitorLoop()
	return nil
}

// Shutdown stops the health monitor and shuts down every record.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.stopCh != nil {
		close(m.stopCh)
		<-m.loopDone
		m.stopCh = nil
	}

	m.mu.Lock()
	items := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		items = append(items, rec)
	}
	m.mu.Unlock()

	for _, rec := range items {
		m.shutdownRecord(ctx, rec)
	}
}

// Rescan rebuilds the registry from scratch. The previous generation is
// fully stopped first: a rescan replaces every record, and the replacement
// worker reuses the old socket path, so the old worker must be gone before
// the new spawn.
func (m *Manager) Rescan(ctx context.Context) ([]Snapshot, error) {
	if !m.enabled {
		return nil, nil
	}

	m.mu.Lock()
	old := m.records
	m.records = make(map[string]*record)
	m.mu.Unlock()
	for _, rec := range old {
		m.shutdownRecord(ctx, rec)
	}

	discovered := make(map[string]*record)
	if m.inProcessEnabled {
		for name, rec := range m.scanHostedPlugins(ctx, SourceInProcess) {
			discovered[name] = rec
		}
	}
	if m.processRuntimeEnabled {
		for name, rec := range m.scanHostedPlugins(ctx, SourceProcess) {
			discovered[name] = rec
		}
	}
	for name, rec := range m.scanExternalPlugins(ctx) {
		discovered[name] = rec
	}

	m.mu.Lock()
	m.records = discovered
	m.mu.Unlock()

	return m.ListPlugins(), nil
}

// ListPlugins returns public snapshots sorted by source then name.
func (m *Manager) ListPlugins() []Snapshot {
	m.mu.Lock()
	items := make([]Snapshot, 0, len(m.records))
	for _, rec := range m.records {
		items = append(items, rec.Public())
	}
	m.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].Source != items[j].Source {
			return items[i].Source < items[j].Source
		}
		return items[i].Name < items[j].Name
	})
	return items
}

// PluginHealth runs a supervised health call against one plugin.
func (m *Manager) PluginHealth(ctx context.Context, name string) (map[string]any, error) {
	rec, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return m.safeCall(ctx, rec, PathHealth, nil)
}

// PluginSyncUsers runs a supervised sync_users call against one plugin.
func (m *Manager) PluginSyncUsers(ctx context.Context, name string, payload map[string]any) (map[string]any, error) {
	rec, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return m.safeCall(ctx, rec, PathSyncUsers, payload)
}

func (m *Manager) lookup(name string) (*record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "插件不存在",
			xerrors.WithMetadata("plugin", name))
	}
	return rec, nil
}

// ---- discovery ----

// scanHostedPlugins walks the scan path once for either the in-process or
// the process source. A plugin directory is any direct child carrying a
// manifest file.
func (m *Manager) scanHostedPlugins(ctx context.Context, source string) map[string]*record {
	out := make(map[string]*record)
	entries, err := os.ReadDir(m.scanPath)
	if err != nil {
		m.log.Warn("插件扫描目录不可用", slog.String("path", m.scanPath), slog.Any("error", err))
		return out
	}
	if source == SourceInProcess {
		m.log.Warn("DEV 模式：in-process 插件已启用")
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if err := ValidateName(name); err != nil {
			m.log.Warn("跳过名称非法的插件", slog.String("plugin", name))
			continue
		}
		pluginDir := filepath.Join(m.scanPath, name)
		if _, err := os.Stat(filepath.Join(pluginDir, ManifestFile)); err != nil {
			continue
		}

		manifest, err := LoadManifest(name, pluginDir, source)
		if err != nil {
			rec := newRecord(name, source, Manifest{Name: name, APIVersion: APIVersion, Source: source})
			rec.mu.Lock()
			rec.lastErr = err.Error()
			rec.setStatus(StateDegraded, "invalid manifest")
			rec.mu.Unlock()
			out[name] = rec
			continue
		}

		rec := newRecord(name, source, manifest)
		rec.runtime.pluginDir = pluginDir

		rec.mu.Lock()
		switch source {
		case SourceProcess:
			if err := m.startProcessPlugin(ctx, rec, pluginDir); err != nil {
				rec.lastErr = err.Error()
				rec.setStatus(StateCrashed, "process plugin start failed")
				m.log.Error("插件进程启动失败", slog.String("plugin", name), slog.Any("error", err))
			} else {
				m.initializeRecord(ctx, rec)
			}
		case SourceInProcess:
			rec.warning = "DEV ONLY: in-process plugins are forbidden in production"
			instance, err := m.loadInProcess(name, pluginDir)
			if err != nil {
				rec.lastErr = err.Error()
				rec.setStatus(StateDegraded, "load failed")
				m.log.Error("插件加载失败", slog.String("plugin", name), slog.Any("error", err))
			} else {
				rec.instance = instance
				m.initializeRecord(ctx, rec)
			}
		}
		rec.mu.Unlock()
		out[name] = rec
	}
	return out
}

func (m *Manager) loadInProcess(name, pluginDir string) (Plugin, error) {
	if m.deps.Loader == nil {
		return nil, xerrors.New(xerrors.CodeConfigurationFailure, "未配置 in-process 插件加载器")
	}
	return m.deps.Loader(name, pluginDir)
}

func (m *Manager) scanExternalPlugins(ctx context.Context) map[string]*record {
	out := make(map[string]*record)
	for _, item := range m.external {
		name := strings.TrimSpace(item.Name)
		endpoint := strings.TrimSpace(item.Endpoint)
		if name == "" || endpoint == "" {
			continue
		}
		if err := ValidateName(name); err != nil {
			m.log.Warn("跳过名称非法的外部插件", slog.String("plugin", name))
			continue
		}

		description := strings.TrimSpace(item.Description)
		if description == "" {
			description = "external remote plugin (deprecated runtime v1)"
		}
		manifest := Manifest{
			Name:        name,
			Version:     orString(strings.TrimSpace(item.Version), "0.1.0"),
			Description: description,
			APIVersion:  APIVersion,
			Scopes:      SanitizeScopes(item.Scopes),
			Source:      SourceRemote,
		}

		rec := newRecord(name, SourceRemote, manifest)
		rec.mu.Lock()
		rec.warning = "plugin_api_v1 is deprecated; migrate to plugin_runtime_v2"
		token := ""
		if env := strings.TrimSpace(item.TokenEnv); env != "" {
			token = os.Getenv(env)
		}
		rec.runtime.adapter = NewAdapter(name, endpoint, token, m.allowRemote)
		m.initializeRecord(ctx, rec)
		rec.mu.Unlock()
		out[name] = rec
	}
	return out
}

// initializeRecord 运行初始化钩子并落位状态，调用方必须已持有记录锁。
func (m *Manager) initializeRecord(ctx context.Context, rec *record) {
	if rec.source == SourceInProcess && rec.instance != nil {
		hostCtx := NewContext(rec.name, rec.manifest.SanitizedScopes(), m.deps.Store, m.deps.Bus)
		if _, err := invokeWithTimeout(ctx, m.initTimeout, func(callCtx context.Context) (map[string]any, error) {
			return nil, rec.instance.Initialize(callCtx, hostCtx)
		}); err != nil {
			rec.lastErr = err.Error()
			rec.setStatus(StateDegraded, "initialize failed")
			return
		}
	}
	rec.initializedAt = time.Now()
	rec.lastErr = ""
	rec.setStatus(StateInitialized, "initialized")
	m.log.Info("插件初始化完成", slog.String("plugin", rec.name), slog.String("source", rec.source))
}

// ---- worker lifecycle ----

// startProcessPlugin spawns a fresh worker generation: new socket, new
// token, new resource group. Caller must hold the record lock.
func (m *Manager) startProcessPlugin(ctx context.Context, rec *record, pluginDir string) error {
	m.stopWorkerLocked(rec)

	socketPath := filepath.Join(m.runtimeSocketDir, rec.name+".sock")
	token, err := MintToken(rec.name, rec.manifest.SanitizedScopes())
	if err != nil {
		return err
	}
	_ = os.Remove(socketPath)

	args := append([]string(nil), m.workerCommand[1:]...)
	args = append(args,
		"--plugin-name", rec.name,
		"--plugin-dir", pluginDir,
		"--socket", socketPath,
		"--token", token,
		"--memory-mb", strconv.Itoa(m.memoryLimitMB),
		"--cpu-seconds", strconv.Itoa(m.cpuTimeLimitSec),
		"--log-dir", m.runtimeLogDir,
	)
	m.log.Info("启动插件 worker 进程",
		slog.String("plugin", rec.name),
		slog.String("command", m.workerCommand[0]+" "+strings.Join(args, " ")))

	groupPath := ""
	if m.groupsReady {
		groupPath, err = m.groups.CreateGroup(rec.name)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfigurationFailure, err, "创建资源组失败",
				xerrors.WithMetadata("plugin", rec.name))
		}
		rec.runtime.groupPath = groupPath
	}

	cmd := newWorkerCommand(m.workerCommand[0], args)
	if err := cmd.start(); err != nil {
		if groupPath != "" {
			CleanupGroup(groupPath)
			rec.runtime.groupPath = ""
		}
		return xerrors.Wrap(xerrors.CodeProcessCrash, err, "启动 worker 进程失败",
			xerrors.WithMetadata("plugin", rec.name))
	}

	if groupPath != "" {
		if err := AssignPID(groupPath, cmd.pid()); err != nil {
			cmd.terminate(2 * time.Second)
			CleanupGroup(groupPath)
			rec.runtime.groupPath = ""
			return xerrors.Wrap(xerrors.CodeConfigurationFailure, err, "进程挂入资源组失败",
				xerrors.WithMetadata("plugin", rec.name))
		}
		rec.runtime.oomKillCount = MemoryEvents(groupPath)["oom_kill"]
	}

	rec.runtime.worker = cmd
	rec.runtime.socketPath = socketPath
	rec.runtime.token = token
	rec.runtime.pluginDir = pluginDir
	rec.runtime.adapter = NewAdapter(rec.name, "unix://"+socketPath, token, false)

	// 就绪探测：周期性 health 直到 init 超时。
	deadline := time.Now().Add(m.initTimeout)
	lastError := "plugin process failed to start"
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			lastError = ctx.Err().Error()
			break
		}
		if !cmd.alive() {
			lastError = fmt.Sprintf("process exited with code %d", cmd.exitCode())
			break
		}
		probeTimeout := m.defaultTimeout
		if probeTimeout > 3*time.Second {
			probeTimeout = 3 * time.Second
		}
		if _, err := rec.runtime.adapter.Health(ctx, probeTimeout); err == nil {
			rec.lastErr = ""
			rec.setStatus(StateHealthy, "process started")
			return nil
		} else {
			lastError = err.Error()
		}
		time.Sleep(200 * time.Millisecond)
	}

	m.stopWorkerLocked(rec)
	return xerrors.New(xerrors.CodeProcessCrash, lastError,
		xerrors.WithMetadata("plugin", rec.name))
}

// stopWorkerLocked terminates the worker process if any and cleans up its
// resource group. Caller must hold the record lock.
func (m *Manager) stopWorkerLocked(rec *record) {
	if rec.runtime.adapter != nil {
		rec.runtime.adapter.Close()
	}
	if worker := rec.runtime.worker; worker != nil {
		rec.runtime.worker = nil
		worker.terminate(3 * time.Second)
	}
	if rec.runtime.socketPath != "" {
		_ = os.Remove(rec.runtime.socketPath)
	}
	if rec.runtime.groupPath != "" {
		CleanupGroup(rec.runtime.groupPath)
		rec.runtime.groupPath = ""
		rec.runtime.oomKillCount = 0
	}
}

func (m *Manager) shutdownRecord(ctx context.Context, rec *record) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.instance != nil {
		_, _ = invokeWithTimeout(ctx, 3*time.Second, func(callCtx context.Context) (map[string]any, error) {
			return nil, rec.instance.Shutdown(callCtx)
		})
	}
	m.stopWorkerLocked(rec)
}

// ---- supervised calls ----

// safeCall is the single entry point for plugin RPCs: it enforces the
// disabled state, detects dead or OOM-killed workers before and after the
// call, and drives the failure counters.
func (m *Manager) safeCall(ctx context.Context, rec *record, path string, payload map[string]any) (map[string]any, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.status == StateDisabled {
		return nil, xerrors.New(xerrors.CodePluginDisabled, "插件已被禁用",
			xerrors.WithMetadata("plugin", rec.name))
	}

	if rec.source == SourceProcess {
		if m.detectOOMKill(rec) {
			m.markCrashed(rec, "cgroup oom_kill")
			m.maybeRestart(ctx, rec, "oom_kill")
		} else if !workerAlive(rec) {
			m.markCrashed(rec, "process is not running")
			m.maybeRestart(ctx, rec, "crash")
		}
		if rec.status == StateDisabled {
			return nil, xerrors.New(xerrors.CodePluginDisabled, "插件已被禁用",
				xerrors.WithMetadata("plugin", rec.name))
		}
	}

	timeout := m.callTimeout
	if timeout > m.maxTimeout {
		timeout = m.maxTimeout
	}

	started := time.Now()
	data, err := m.invokeRecord(ctx, rec, path, payload, timeout)
	outcome := "OK"
	if err != nil {
		outcome = string(xerrors.CodeOf(err))
	}
	metrics.ObservePluginCall(rec.name, callLabel(path), outcome, time.Since(started))
	if err == nil {
		rec.resetTransientCounters()
		rec.lastErr = ""
		rec.setStatus(StateHealthy, callLabel(path)+" ok")
		return data, nil
	}

	if xerrors.CodeOf(err) == xerrors.CodeTransportTimeout {
		m.handleTimeout(ctx, rec, callLabel(path))
		return nil, err
	}

	if rec.source == SourceProcess && !workerAlive(rec) {
		m.markCrashed(rec, err.Error())
		m.maybeRestart(ctx, rec, "crash")
	} else {
		rec.lastErr = err.Error()
		rec.setStatus(StateDegraded, callLabel(path)+" failed")
	}
	m.log.Error("插件调用失败",
		slog.String("plugin", rec.name),
		slog.String("call", callLabel(path)),
		slog.Any("error", err))
	return nil, err
}

// invokeRecord dispatches one call to whatever backs the record. Caller
// must hold the record lock.
func (m *Manager) invokeRecord(ctx context.Context, rec *record, path string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	if rec.instance != nil {
		return invokeWithTimeout(ctx, timeout, func(callCtx context.Context) (map[string]any, error) {
			if path == PathSyncUsers {
				return rec.instance.SyncUsers(callCtx, payload)
			}
			return rec.instance.Health(callCtx)
		})
	}
	if rec.runtime.adapter == nil {
		return nil, xerrors.New(xerrors.CodeTransportUnreachable, "插件无可用运行时",
			xerrors.WithMetadata("plugin", rec.name))
	}
	if path == PathSyncUsers {
		return rec.runtime.adapter.SyncUsers(ctx, payload, timeout)
	}
	return rec.runtime.adapter.Health(ctx, timeout)
}

func (m *Manager) handleTimeout(ctx context.Context, rec *record, label string) {
	rec.consecutiveTimeouts++
	rec.lastErr = fmt.Sprintf("timeout (%.1fs)", m.callTimeout.Seconds())
	rec.setStatus(StateDegraded, label+" timeout")
	m.log.Warn("插件调用超时",
		slog.String("plugin", rec.name),
		slog.String("call", label),
		slog.Int("consecutive", rec.consecutiveTimeouts))

	if rec.consecutiveTimeouts >= m.timeoutRestartThreshold {
		m.maybeRestart(ctx, rec, "timeouts")
	}
}

// markCrashed 记录一次崩溃；达到 max_crashes 时禁用插件。调用方必须已持有记录锁。
func (m *Manager) markCrashed(rec *record, reason string) {
	rec.consecutiveCrashes++
	rec.lastErr = reason
	rec.setStatus(StateCrashed, "process crashed")
	m.log.Error("插件进程崩溃",
		slog.String("plugin", rec.name),
		slog.String("reason", reason),
		slog.Int("consecutive", rec.consecutiveCrashes))

	if rec.consecutiveCrashes >= m.maxCrashes {
		rec.setStatus(StateDisabled, "disabled after repeated crashes")
		m.log.Error("插件因连续崩溃被禁用",
			slog.String("plugin", rec.name),
			slog.Int("crashes", rec.consecutiveCrashes))
		m.dispatchAlert(alerting.Event{
			Code:       xerrors.CodeProcessCrash,
			Message:    "plugin disabled after repeated crashes: " + reason,
			Severity:   xerrors.SeverityCritical,
			Plugin:     rec.name,
			Restarts:   rec.restartCount,
			MaxRestart: m.maxRestarts,
			OccurredAt: time.Now(),
		})
	}
}

// maybeRestart 消耗一次重启预算并重新拉起 worker。调用方必须已持有记录锁。
func (m *Manager) maybeRestart(ctx context.Context, rec *record, reason string) {
	if rec.source != SourceProcess {
		return
	}
	if rec.status == StateDisabled {
		return
	}
	if rec.restartCount >= m.maxRestarts {
		rec.lastErr = fmt.Sprintf("restart budget exceeded (%d)", m.maxRestarts)
		rec.setStatus(StateDisabled, "disabled after restart budget exhaustion")
		m.log.Error("插件因重启预算耗尽被禁用", slog.String("plugin", rec.name))
		m.dispatchAlert(alerting.Event{
			Code:       xerrors.CodePluginDisabled,
			Message:    "plugin disabled after restart budget exhaustion",
			Severity:   xerrors.SeverityCritical,
			Plugin:     rec.name,
			Restarts:   rec.restartCount,
			MaxRestart: m.maxRestarts,
			OccurredAt: time.Now(),
		})
		return
	}

	m.log.Warn("重启插件", slog.String("plugin", rec.name), slog.String("reason", reason))
	rec.restartCount++
	metrics.ObservePluginRestart(rec.name, reason)
	if err := m.startProcessPlugin(ctx, rec, rec.runtime.pluginDir); err != nil {
		m.markCrashed(rec, err.Error())
		return
	}
	rec.consecutiveTimeouts = 0
	rec.consecutiveHealthFailures = 0
	rec.lastErr = ""
	rec.setStatus(StateInitialized, "restarted after "+reason)
}

// ---- health monitor ----

func (m *Manager) healthMonitorLoop() {
	defer close(m.loopDone)
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		items := make([]*record, 0, len(m.records))
		for _, rec := range m.records {
			items = append(items, rec)
		}
		m.mu.Unlock()

		for _, rec := range items {
			m.healthCheck(context.Background(), rec)
		}
	}
}

func (m *Manager) healthCheck(ctx context.Context, rec *record) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.status == StateDisabled {
		return
	}

	if rec.source == SourceProcess {
		if m.detectOOMKill(rec) {
			m.markCrashed(rec, "cgroup oom_kill")
			m.maybeRestart(ctx, rec, "oom_kill")
			return
		}
		if !workerAlive(rec) {
			m.markCrashed(rec, "health check detected dead process")
			m.maybeRestart(ctx, rec, "health failure")
			return
		}
	}

	timeout := m.defaultTimeout
	if rec.instance == nil && timeout > 5*time.Second {
		timeout = 5 * time.Second
	}

	if _, err := m.invokeRecord(ctx, rec, PathHealth, nil, timeout); err != nil {
		rec.consecutiveHealthFailures++
		rec.lastErr = err.Error()
		rec.setStatus(StateDegraded, "health failed")
		m.log.Warn("插件健康检查失败",
			slog.String("plugin", rec.name),
			slog.Int("consecutive", rec.consecutiveHealthFailures))
		if rec.consecutiveHealthFailures >= m.healthRestartThreshold {
			rec.setStatus(StateUnresponsive, "health failed")
			m.maybeRestart(ctx, rec, "health failures")
		}
		return
	}

	rec.consecutiveHealthFailures = 0
	rec.lastErr = ""
	rec.setStatus(StateHealthy, "health ok")
}

// ---- helpers ----

// detectOOMKill compares the group's oom_kill counter against the last
// observed value. Caller must hold the record lock.
func (m *Manager) detectOOMKill(rec *record) bool {
	if rec.runtime.groupPath == "" {
		return false
	}
	current := MemoryEvents(rec.runtime.groupPath)["oom_kill"]
	if current > rec.runtime.oomKillCount {
		rec.runtime.oomKillCount = current
		return true
	}
	return false
}

func workerAlive(rec *record) bool {
	return rec.runtime.worker != nil && rec.runtime.worker.alive()
}

func (m *Manager) dispatchAlert(event alerting.Event) {
	if m.deps.Alerts == nil {
		return
	}
	if err := m.deps.Alerts.Notify(context.Background(), event); err != nil {
		m.log.Warn("告警投递失败", slog.Any("error", err))
	}
}

func callLabel(path string) string {
	if path == PathSyncUsers {
		return "sync_users"
	}
	return "health"
}

type callResult struct {
	data map[string]any
	err  error
}

// invokeWithTimeout runs fn under a deadline. A hung plugin leaks its
// goroutine but never blocks the supervisor.
func invokeWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) (map[string]any, error)) (map[string]any, error) {
	if timeout < 100*time.Millisecond {
		timeout = 100 * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan callResult, 1)
	go func() {
		data, err := fn(callCtx)
		ch <- callResult{data: data, err: err}
	}()

	select {
	case res := <-ch:
		return res.data, res.err
	case <-callCtx.Done():
		return nil, xerrors.New(xerrors.CodeTransportTimeout, "插件调用超时")
	}
}

func clampTimeout(sec float64) time.Duration {
	if sec < 0.1 {
		sec = 0.1
	}
	if sec > 30 {
		sec = 30
	}
	return time.Duration(sec * float64(time.Second))
}

func orFloat(value, fallback float64) float64 {
	if value <= 0 {
		return fallback
	}
	return value
}

func orInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func orString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

