package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const cgroupMount = "/sys/fs/cgroup"

var groupNameRE = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// GroupManagerConfig 描述 cgroup v2 资源组的限额参数。
type GroupManagerConfig struct {
	Enabled       bool
	Required      bool
	Root          string
	MemoryLimitMB int
	CPUQuotaUs    int
	CPUPeriodUs   int
	PidsMax       int
}

// GroupManager 在 cgroup v2 层为每个 worker 进程创建独立资源组，写入
// memory.max、cpu.max、pids.max 三类限额。不可用时按配置决定是致命还是降级。
type GroupManager struct {
	enabled       bool
	required      bool
	rootCfg       string
	memoryLimitMB int
	cpuQuotaUs    int
	cpuPeriodUs   int
	pidsMax       int

	rootPath string
	ready    bool
}

// NewGroupManager 创建 GroupManager，并将限额钳制到安全下限。
func NewGroupManager(cfg GroupManagerConfig) *GroupManager {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		root = "auto"
	}
	return &GroupManager{
		enabled:       cfg.Enabled,
		required:      cfg.Required,
		rootCfg:       root,
		memoryLimitMB: max(64, cfg.MemoryLimitMB),
		cpuQuotaUs:    max(1000, cfg.CPUQuotaUs),
		cpuPeriodUs:   max(1000, cfg.CPUPeriodUs),
		pidsMax:       max(16, cfg.PidsMax),
	}
}

// Ready 报告资源组是否可用。
func (g *GroupManager) Ready() bool { return g != nil && g.ready }

// Required 报告 cgroup 不可用时是否视为致命错误。
func (g *GroupManager) Required() bool { return g != nil && g.required }

// Initialize 探测 cgroup v2 挂载点，解析根路径并开启子树控制器。
// 返回 ok=false 表示不可用，message 说明原因；是否继续由调用方按 Required 决定。
func (g *GroupManager) Initialize() (bool, string) {
	if !g.enabled {
		g.ready = false
		return true, "cgroup disabled by config"
	}

	if _, err := os.Stat(filepath.Join(cgroupMount, "cgroup.controllers")); err != nil {
		g.ready = false
		return false, "cgroup v2 is not available"
	}

	rootPath, err := g.resolveRootPath()
	if err != nil {
		g.ready = false
		return false, err.Error()
	}
	parent := filepath.Dir(rootPath)
	if _, err := os.Stat(parent); err != nil {
		g.ready = false
		return false, fmt.Sprintf("cgroup parent does not exist: %s", parent)
	}

	enableSubtreeControllers(parent)
	if err := os.MkdirAll(rootPath, 0o755); err != nil {
		g.ready = false
		return false, err.Error()
	}
	enableSubtreeControllers(rootPath)

	g.rootPath = rootPath
	g.ready = true
	return true, "cgroup ready at " + rootPath
}

// CreateGroup 为一次 worker 启动创建全新的资源组并写入限额。组名带毫秒
// 时间戳，保证重启后不会复用旧组。
func (g *GroupManager) CreateGroup(pluginName string) (string, error) {
	if !g.ready || g.rootPath == "" {
		return "", fmt.Errorf("cgroup manager is not ready")
	}
	safe := strings.Trim(groupNameRE.ReplaceAllString(strings.TrimSpace(pluginName), "-"), "-._")
	if safe == "" {
		safe = "plugin"
	}
	groupName := fmt.Sprintf("%s-%d", safe, time.Now().UnixMilli())
	path := filepath.Join(g.rootPath, groupName)
	if err := os.Mkdir(path, 0o755); err != nil {
		return "", err
	}
	if err := g.writeLimits(path); err != nil {
		return "", err
	}
	return path, nil
}

// AssignPID 将进程挂入资源组。
func AssignPID(groupPath string, pid int) error {
	return os.WriteFile(filepath.Join(groupPath, "cgroup.procs"),
		[]byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// CleanupGroup 移除空的资源组。仍有成员进程时保留，等内核回收后下一轮
// 清理再处理。
func CleanupGroup(groupPath string) {
	if groupPath == "" {
		return
	}
	if _, err := os.Stat(groupPath); err != nil {
		return
	}
	procs, err := os.ReadFile(filepath.Join(groupPath, "cgroup.procs"))
	if err == nil && strings.TrimSpace(string(procs)) != "" {
		return
	}
	_ = os.Remove(groupPath)
}

// MemoryEvents 解析资源组的 memory.events 计数器，供 OOM 检测使用。
func MemoryEvents(groupPath string) map[string]int64 {
	out := make(map[string]int64)
	if groupPath == "" {
		return out
	}
	raw, err := os.ReadFile(filepath.Join(groupPath, "memory.events"))
	if err != nil {
		return out
	}
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		value, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		out[fields[0]] = value
	}
	return out
}

func (g *GroupManager) resolveRootPath() (string, error) {
	if g.rootCfg != "auto" {
		return filepath.Abs(g.rootCfg)
	}

	rel := "/"
	if raw, err := os.ReadFile("/proc/self/cgroup"); err == nil {
		for _, line := range strings.Split(string(raw), "\n") {
			if strings.HasPrefix(line, "0::") {
				if v := strings.TrimSpace(strings.TrimPrefix(line, "0::")); v != "" {
					rel = v
				}
				break
			}
		}
	}
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return filepath.Join(cgroupMount, "nebula-plugins"), nil
	}
	return filepath.Join(cgroupMount, rel, "nebula-plugins"), nil
}

func enableSubtreeControllers(path string) {
	controllersFile := filepath.Join(path, "cgroup.controllers")
	subtreeFile := filepath.Join(path, "cgroup.subtree_control")
	raw, err := os.ReadFile(controllersFile)
	if err != nil {
		return
	}
	available := make(map[string]struct{})
	for _, ctrl := range strings.Fields(string(raw)) {
		available[ctrl] = struct{}{}
	}
	for _, ctrl := range []string{"cpu", "memory", "pids"} {
		if _, ok := available[ctrl]; !ok {
			continue
		}
		fh, err := os.OpenFile(subtreeFile, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			continue
		}
		_, _ = fh.WriteString("+" + ctrl + "\n")
		_ = fh.Close()
	}
}

func (g *GroupManager) writeLimits(path string) error {
	memoryBytes := int64(g.memoryLimitMB) * 1024 * 1024
	if err := os.WriteFile(filepath.Join(path, "memory.max"),
		[]byte(strconv.FormatInt(memoryBytes, 10)), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(path, "cpu.max"),
		[]byte(fmt.Sprintf("%d %d", g.cpuQuotaUs, g.cpuPeriodUs)), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(path, "pids.max"),
		[]byte(strconv.Itoa(g.pidsMax)), 0o644)
}
