package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	xerrors "Nebula-Host/internal/errors"
	"Nebula-Host/internal/identity"
	hostplugin "Nebula-Host/internal/plugin"
	"Nebula-Host/internal/storage/mysql"
	"Nebula-Host/pkg/logger"
)

// IdentityDSNEnv 指定 worker 直连身份库的 MySQL DSN。未设置时使用进程内
// 内存存储，插件的写入只在 worker 生命周期内可见。
const IdentityDSNEnv = "NEBULA_IDENTITY_DSN"

// Worker 内部调用超时，与宿主侧的调用超时相互独立。
const (
	workerInitTimeout     = 5 * time.Second
	workerHealthTimeout   = 5 * time.Second
	workerSyncTimeout     = 10 * time.Second
	workerShutdownTimeout = 3 * time.Second
)

// Options 对应 worker 的启动契约参数。
type Options struct {
	PluginName string
	PluginDir  string
	SocketPath string
	Token      string
	MemoryMB   int
	CPUSeconds int
	LogDir     string
	AllowRoot  bool
}

// Worker hosts one plugin instance behind a unix-socket RPC server.
type Worker struct {
	opts     Options
	manifest hostplugin.Manifest
	instance hostplugin.Plugin
	store    identity.Store
	log      *slog.Logger
	logClose io.Closer
}

// Run executes the full worker lifecycle: sandbox checks, plugin load and
// initialization, then the RPC server until the context is cancelled.
func Run(ctx context.Context, opts Options) error {
	if err := hostplugin.ValidateName(opts.PluginName); err != nil {
		return err
	}
	if os.Geteuid() == 0 && !opts.AllowRoot {
		return xerrors.New(xerrors.CodePermissionDenied, "worker 拒绝以 root 运行")
	}

	w := &Worker{opts: opts}
	if err := w.setupLogger(); err != nil {
		return err
	}
	defer w.closeLogger()

	w.applyResourceLimits()

	if err := w.loadPlugin(ctx); err != nil {
		w.log.Error("插件初始化失败", slog.Any("error", err))
		return err
	}
	defer w.closeStore()

	return w.serve(ctx)
}

func (w *Worker) setupLogger() error {
	if err := os.MkdirAll(w.opts.LogDir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeConfigurationFailure, err, "创建日志目录失败")
	}
	log, closer, err := logger.NewRotating(
		filepath.Join(w.opts.LogDir, w.opts.PluginName+".log"), 10, 5, 30)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeConfigurationFailure, err, "创建插件日志失败")
	}
	w.log = log.With(slog.String("plugin", w.opts.PluginName))
	w.logClose = closer
	return nil
}

func (w *Worker) closeLogger() {
	if w.logClose != nil {
		_ = w.logClose.Close()
	}
}

// applyResourceLimits sets the rlimit layer under the cgroup limits. Both
// failures are survivable; the cgroup remains the hard boundary.
func (w *Worker) applyResourceLimits() {
	memBytes := uint64(max(64, w.opts.MemoryMB)) * 1024 * 1024
	if err := syscall.Setrlimit(syscall.RLIMIT_AS,
		&syscall.Rlimit{Cur: memBytes, Max: memBytes}); err != nil {
		w.log.Warn("设置内存上限失败", slog.Any("error", err))
	}

	cpuSeconds := uint64(max(1, w.opts.CPUSeconds))
	if err := syscall.Setrlimit(syscall.RLIMIT_CPU,
		&syscall.Rlimit{Cur: cpuSeconds, Max: cpuSeconds}); err != nil {
		w.log.Warn("设置 CPU 时间上限失败", slog.Any("error", err))
	}
}

func (w *Worker) loadPlugin(ctx context.Context) error {
	manifest, err := hostplugin.LoadManifest(w.opts.PluginName, w.opts.PluginDir, hostplugin.SourceProcess)
	if err != nil {
		return err
	}
	w.manifest = manifest

	instance, err := Load(w.opts.PluginName, w.opts.PluginDir)
	if err != nil {
		return err
	}
	w.instance = instance

	store, err := w.openStore(ctx)
	if err != nil {
		return err
	}
	w.store = store

	hostCtx := hostplugin.NewContext(w.opts.PluginName, manifest.SanitizedScopes(), store, nil)
	initCtx, cancel := context.WithTimeout(ctx, workerInitTimeout)
	defer cancel()
	if err := instance.Initialize(initCtx, hostCtx); err != nil {
		return xerrors.Wrap(xerrors.CodeManifestInvalid, err, "插件 Initialize 失败",
			xerrors.WithMetadata("plugin", w.opts.PluginName))
	}

	w.log.Info("插件加载完成",
		slog.String("version", manifest.Version),
		slog.Any("scopes", manifest.SanitizedScopes()))
	return nil
}

// openStore connects the worker's capability context to the identity
// backend. Without a DSN the store is process-local memory.
func (w *Worker) openStore(ctx context.Context) (identity.Store, error) {
	dsn := os.Getenv(IdentityDSNEnv)
	if dsn == "" {
		return identity.NewMemoryStore(), nil
	}
	store, err := mysql.NewSQLIdentityStore(ctx, mysql.Config{DSN: dsn})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接身份库失败")
	}
	return store, nil
}

func (w *Worker) closeStore() {
	if w.store != nil {
		_ = w.store.Close()
	}
}

// serve binds the private unix socket and runs the RPC server until the
// context is cancelled, then shuts the plugin down and removes the socket.
func (w *Worker) serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(w.opts.SocketPath), 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeConfigurationFailure, err, "创建 socket 目录失败")
	}
	_ = os.Remove(w.opts.SocketPath)

	listener, err := net.Listen("unix", w.opts.SocketPath)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeConfigurationFailure, err, "绑定 unix socket 失败",
			xerrors.WithMetadata("socket", w.opts.SocketPath))
	}
	// 仅宿主可见。
	_ = os.Chmod(w.opts.SocketPath, 0o600)

	mux := http.NewServeMux()
	mux.HandleFunc(hostplugin.PathHealth, w.authorized(w.handleHealth))
	mux.HandleFunc(hostplugin.PathSyncUsers, w.authorized(w.handleSyncUsers))

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	w.log.Info("插件 worker 已启动", slog.String("socket", w.opts.SocketPath))

	select {
	case <-ctx.Done():
		w.log.Info("收到停止信号，开始关闭")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			_ = os.Remove(w.opts.SocketPath)
			return xerrors.Wrap(xerrors.CodeUnknown, err, "RPC 服务异常退出")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), workerShutdownTimeout)
	defer cancel()
	if err := w.instance.Shutdown(shutdownCtx); err != nil {
		w.log.Warn("插件 Shutdown 失败", slog.Any("error", err))
	}
	_ = server.Shutdown(shutdownCtx)
	_ = os.Remove(w.opts.SocketPath)
	return nil
}

// authorized enforces POST plus constant-time token equality on every call.
func (w *Worker) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			hostplugin.WriteWireError(rw, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 POST"))
			return
		}
		if !hostplugin.TokenEqual(req.Header.Get(hostplugin.TokenHeader), w.opts.Token) {
			w.log.Warn("拒绝带非法令牌的请求")
			hostplugin.WriteWireError(rw, xerrors.New(xerrors.CodePermissionDenied, "插件令牌非法"))
			return
		}
		next(rw, req)
	}
}

func (w *Worker) handleHealth(rw http.ResponseWriter, req *http.Request) {
	callCtx, cancel := context.WithTimeout(req.Context(), workerHealthTimeout)
	defer cancel()

	data, err := w.instance.Health(callCtx)
	if err != nil {
		w.log.Warn("health 调用失败", slog.Any("error", err))
		hostplugin.WriteWireError(rw, err)
		return
	}
	if data == nil {
		data = map[string]any{"status": "ok"}
	}
	writeJSON(rw, data)
}

func (w *Worker) handleSyncUsers(rw http.ResponseWriter, req *http.Request) {
	payload := make(map[string]any)
	raw, err := io.ReadAll(io.LimitReader(req.Body, 4<<20))
	if err != nil {
		hostplugin.WriteWireError(rw, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取请求体失败"))
		return
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			hostplugin.WriteWireError(rw, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体必须为 JSON 对象"))
			return
		}
	}

	callCtx, cancel := context.WithTimeout(req.Context(), workerSyncTimeout)
	defer cancel()

	data, err := w.instance.SyncUsers(callCtx, payload)
	if err != nil {
		w.log.Warn("sync_users 调用失败", slog.Any("error", err))
		hostplugin.WriteWireError(rw, err)
		return
	}
	if data == nil {
		data = map[string]any{"status": "ok"}
	}
	writeJSON(rw, data)
}

func writeJSON(rw http.ResponseWriter, data map[string]any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(rw).Encode(data); err != nil {
		// 响应已部分写出，只能记录。
		fmt.Fprintln(os.Stderr, "encode response failed:", err)
	}
}
