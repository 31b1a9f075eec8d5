package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	xerrors "Nebula-Host/internal/errors"
	"Nebula-Host/pkg/logger"
)

// adapterCooldown is how long the adapter refuses new attempts after a
// transport failure.
const adapterCooldown = 10 * time.Second

// Adapter is the uniform RPC client for one plugin endpoint, either a worker
// unix socket or a remote TCP address. It is safe for concurrent use.
type Adapter struct {
	name        string
	endpoint    string
	token       string
	allowRemote bool

	mu            sync.Mutex
	client        *http.Client
	reachable     bool
	disabledUntil time.Time

	log *slog.Logger
}

// NewAdapter creates an adapter for the endpoint. Unix socket endpoints are
// absolute paths or "unix://" URLs; anything else is treated as host:port.
func NewAdapter(name, endpoint, token string, allowRemote bool) *Adapter {
	return &Adapter{
		name:        name,
		endpoint:    strings.TrimSpace(endpoint),
		token:       token,
		allowRemote: allowRemote,
		log:         logger.Named("plugin.rpc"),
	}
}

// Health asks the plugin for its health document.
func (a *Adapter) Health(ctx context.Context, timeout time.Duration) (map[string]any, error) {
	return a.call(ctx, PathHealth, map[string]any{}, timeout)
}

// SyncUsers forwards a sync payload to the plugin.
func (a *Adapter) SyncUsers(ctx context.Context, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return a.call(ctx, PathSyncUsers, payload, timeout)
}

// Close drops the cached client and its idle connections.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeLocked()
}

func (a *Adapter) closeLocked() {
	if a.client != nil {
		a.client.CloseIdleConnections()
		a.client = nil
	}
}

func (a *Adapter) call(ctx context.Context, path string, body map[string]any, timeout time.Duration) (map[string]any, error) {
	client, err := a.ensureClient()
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "RPC 请求序列化失败")
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, a.baseURL()+path, bytes.NewReader(raw))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransportUnreachable, err, "构造 RPC 请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set(TokenHeader, a.token)
	}

	resp, err := client.Do(req)
	if err == nil {
		a.markReachable()
	}
	if err != nil {
		a.markFailure()
		if isTimeout(err) {
			return nil, xerrors.Wrap(xerrors.CodeTransportTimeout, err, "插件调用超时",
				xerrors.WithMetadata("plugin", a.name))
		}
		return nil, xerrors.Wrap(xerrors.CodeTransportUnreachable, err, "插件端点不可达",
			xerrors.WithMetadata("plugin", a.name))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		a.markFailure()
		return nil, xerrors.Wrap(xerrors.CodeTransportUnreachable, err, "读取插件响应失败",
			xerrors.WithMetadata("plugin", a.name))
	}

	if resp.StatusCode != http.StatusOK {
		var wireErr WireError
		if json.Unmarshal(payload, &wireErr) == nil && wireErr.Code != "" {
			return nil, xerrors.New(xerrors.Code(wireErr.Code), wireErr.Message,
				xerrors.WithMetadata("plugin", a.name))
		}
		return nil, xerrors.New(xerrors.CodeUnknown,
			fmt.Sprintf("插件返回非预期状态码 %d", resp.StatusCode),
			xerrors.WithMetadata("plugin", a.name))
	}

	result := make(map[string]any)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &result); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "解析插件响应失败",
				xerrors.WithMetadata("plugin", a.name))
		}
	}
	return result, nil
}

func (a *Adapter) ensureClient() (*http.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if time.Now().Before(a.disabledUntil) {
		return nil, xerrors.New(xerrors.CodeTransportUnreachable, "插件端点处于冷却期",
			xerrors.WithMetadata("plugin", a.name))
	}
	if a.client != nil {
		return a.client, nil
	}

	network, address, err := a.resolveTarget()
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	a.client = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, address)
			},
			MaxIdleConns:    2,
			IdleConnTimeout: 30 * time.Second,
		},
	}
	return a.client, nil
}

// resolveTarget validates the endpoint and returns the dial network/address.
func (a *Adapter) resolveTarget() (string, string, error) {
	endpoint := a.endpoint
	if endpoint == "" {
		return "", "", xerrors.New(xerrors.CodeConfigurationFailure, "插件端点为空",
			xerrors.WithMetadata("plugin", a.name))
	}

	if strings.HasPrefix(endpoint, "unix://") {
		return "unix", strings.TrimPrefix(endpoint, "unix://"), nil
	}
	if strings.HasPrefix(endpoint, "/") {
		return "unix", endpoint, nil
	}

	host := ""
	port := ""
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return "", "", xerrors.Wrap(xerrors.CodeConfigurationFailure, err, "插件端点非法",
				xerrors.WithMetadata("plugin", a.name))
		}
		host = parsed.Hostname()
		port = parsed.Port()
	} else {
		var err error
		host, port, err = net.SplitHostPort(endpoint)
		if err != nil {
			return "", "", xerrors.Wrap(xerrors.CodeConfigurationFailure, err, "插件端点必须为 host:port",
				xerrors.WithMetadata("plugin", a.name))
		}
	}
	if host == "" || port == "" {
		return "", "", xerrors.New(xerrors.CodeConfigurationFailure, "插件端点非法",
			xerrors.WithMetadata("plugin", a.name))
	}
	if !a.allowRemote && !isLoopbackHost(host) {
		return "", "", xerrors.New(xerrors.CodePermissionDenied, "策略禁止远程插件端点",
			xerrors.WithMetadata("plugin", a.name),
			xerrors.WithMetadata("host", host))
	}
	return "tcp", net.JoinHostPort(host, port), nil
}

func (a *Adapter) baseURL() string {
	// The Host header is irrelevant for unix sockets but must be present.
	return "http://nebula-plugin"
}

func (a *Adapter) markReachable() {
	a.mu.Lock()
	a.reachable = true
	a.mu.Unlock()
}

// markFailure 启动冷却。端点从未成功建立过连接时不冷却，否则刚拉起的
// worker 在绑定 socket 之前的一次失败就会让整个就绪轮询窗口被短路。
func (a *Adapter) markFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeLocked()
	if !a.reachable {
		return
	}
	a.disabledUntil = time.Now().Add(adapterCooldown)
	a.log.Warn("插件端点故障，进入冷却期",
		slog.String("plugin", a.name),
		slog.Duration("cooldown", adapterCooldown))
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isTimeout(err error) bool {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stdErrors.As(err, &netErr) && netErr.Timeout()
}
