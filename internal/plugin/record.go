package plugin

import (
	"sync"
	"time"
)

// Plugin lifecycle states. Disabled is terminal until the next rescan.
const (
	StateInitialized  = "initialized"
	StateHealthy      = "healthy"
	StateDegraded     = "degraded"
	StateUnresponsive = "unresponsive"
	StateCrashed      = "crashed"
	StateDisabled     = "disabled"
)

// Runtime versions reported in public snapshots.
const (
	runtimeInProcess = "plugin_api_v1"
	runtimeProcess   = "plugin_runtime_v2"
)

// runtime holds the per-spawn state of a process-isolated worker. It is
// replaced wholesale on every restart.
type runtime struct {
	worker       *workerCommand
	socketPath   string
	token        string
	pluginDir    string
	groupPath    string
	oomKillCount int64
	adapter      *Adapter
}

// record tracks one discovered plugin: its manifest, live state, failure
// counters and, for isolated plugins, the worker runtime. The mutex
// serializes state mutation between the health loop and caller-triggered
// RPCs.
type record struct {
	mu sync.Mutex

	name     string
	source   string
	manifest Manifest

	status  string
	message string
	warning string
	lastErr string

	initializedAt time.Time
	updatedAt     time.Time

	// in-process only
	instance Plugin

	runtimeVersion string
	runtime        runtime

	consecutiveTimeouts       int
	consecutiveHealthFailures int
	consecutiveCrashes        int
	restartCount              int
}

func newRecord(name, source string, manifest Manifest) *record {
	version := runtimeInProcess
	if source == SourceProcess {
		version = runtimeProcess
	}
	return &record{
		name:           name,
		source:         source,
		manifest:       manifest,
		status:         StateInitialized,
		updatedAt:      time.Now(),
		runtimeVersion: version,
	}
}

// touch 更新时间戳，调用方必须已持有锁。
func (r *record) touch() {
	r.updatedAt = time.Now()
}

// setStatus 更新状态与说明，调用方必须已持有锁。
func (r *record) setStatus(status, message string) {
	r.status = status
	r.message = message
	r.touch()
}

// resetTransientCounters 在一次成功调用后清零连续超时与健康失败计数。
// 崩溃计数与重启预算不在此处重置。
func (r *record) resetTransientCounters() {
	r.consecutiveTimeouts = 0
	r.consecutiveHealthFailures = 0
}

// Snapshot is the externally visible view of one plugin record.
type Snapshot struct {
	Name                      string   `json:"name"`
	Source                    string   `json:"source"`
	APIVersion                string   `json:"api_version"`
	RuntimeVersion            string   `json:"runtime_version"`
	Version                   string   `json:"version"`
	Description               string   `json:"description"`
	Scopes                    []string `json:"scopes"`
	Status                    string   `json:"status"`
	Message                   string   `json:"message"`
	Warning                   string   `json:"warning"`
	Error                     string   `json:"error"`
	InitializedAt             int64    `json:"initialized_at"`
	UpdatedAt                 int64    `json:"updated_at"`
	ConsecutiveTimeouts       int      `json:"consecutive_timeouts"`
	ConsecutiveHealthFailures int      `json:"consecutive_health_failures"`
	ConsecutiveCrashes        int      `json:"consecutive_crashes"`
	RestartCount              int      `json:"restart_count"`
}

// snapshot 读取当前记录的公开视图，调用方必须已持有锁。
func (r *record) snapshot() Snapshot {
	var initializedAt int64
	if !r.initializedAt.IsZero() {
		initializedAt = r.initializedAt.Unix()
	}
	return Snapshot{
		Name:                      r.name,
		Source:                    r.source,
		APIVersion:                r.manifest.APIVersion,
		RuntimeVersion:            r.runtimeVersion,
		Version:                   r.manifest.Version,
		Description:               r.manifest.Description,
		Scopes:                    r.manifest.SanitizedScopes(),
		Status:                    r.status,
		Message:                   r.message,
		Warning:                   r.warning,
		Error:                     r.lastErr,
		InitializedAt:             initializedAt,
		UpdatedAt:                 r.updatedAt.Unix(),
		ConsecutiveTimeouts:       r.consecutiveTimeouts,
		ConsecutiveHealthFailures: r.consecutiveHealthFailures,
		ConsecutiveCrashes:        r.consecutiveCrashes,
		RestartCount:              r.restartCount,
	}
}

// Public returns the snapshot under the record lock.
func (r *record) Public() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}
