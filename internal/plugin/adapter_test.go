package plugin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "Nebula-Host/internal/errors"
)

// startUnixServer serves the handler on a fresh unix socket. The socket
// lives under os.MkdirTemp to stay inside the sun_path length limit.
func startUnixServer(t *testing.T, handler http.Handler) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "nebula-rpc")
	if err != nil {
		t.Fatalf("创建临时目录失败: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	socketPath := filepath.Join(dir, "w.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("监听 unix socket 失败: %v", err)
	}
	server := &http.Server{Handler: handler}
	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })
	return socketPath
}

func TestAdapterUnixSocketRoundTrip(t *testing.T) {
	socketPath := startUnixServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.Header.Get(TokenHeader) != "secret-token" {
			t.Errorf("missing or wrong token header: %q", r.Header.Get(TokenHeader))
		}
		switch r.URL.Path {
		case PathHealth:
			json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
		case PathSyncUsers:
			var payload map[string]any
			json.NewDecoder(r.Body).Decode(&payload)
			json.NewEncoder(w).Encode(map[string]any{"echo": payload["dry_run"]})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	adapter := NewAdapter("demo", "unix://"+socketPath, "secret-token", false)
	defer adapter.Close()
	ctx := context.Background()

	data, err := adapter.Health(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("Health 调用失败: %v", err)
	}
	if data["status"] != "ok" {
		t.Fatalf("unexpected health payload: %v", data)
	}

	data, err = adapter.SyncUsers(ctx, map[string]any{"dry_run": true}, 2*time.Second)
	if err != nil {
		t.Fatalf("SyncUsers 调用失败: %v", err)
	}
	if data["echo"] != true {
		t.Fatalf("unexpected sync payload: %v", data)
	}
}

func TestAdapterWireErrorPassthrough(t *testing.T) {
	socketPath := startUnixServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteWireError(w, xerrors.New(xerrors.CodePermissionDenied, "插件令牌非法"))
	}))

	adapter := NewAdapter("demo", socketPath, "stale-token", false)
	defer adapter.Close()

	_, err := adapter.Health(context.Background(), 2*time.Second)
	if xerrors.CodeOf(err) != xerrors.CodePermissionDenied {
		t.Fatalf("wire 错误码应原样透传, got %v", err)
	}

	// 应用层错误不是传输故障，不应触发冷却。
	adapter.mu.Lock()
	cooling := time.Now().Before(adapter.disabledUntil)
	adapter.mu.Unlock()
	if cooling {
		t.Fatal("wire error must not start the transport cool-down")
	}
}

// 新 worker 绑定 socket 之前的失败不得进入冷却，否则 init 窗口内的
// 就绪轮询会被第一次 connection refused 短路掉。
func TestAdapterColdEndpointKeepsRetrying(t *testing.T) {
	dir, err := os.MkdirTemp("", "nebula-rpc")
	if err != nil {
		t.Fatalf("创建临时目录失败: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	socketPath := filepath.Join(dir, "late.sock")

	adapter := NewAdapter("demo", socketPath, "t", false)
	defer adapter.Close()
	ctx := context.Background()

	// socket 在 300ms 后才出现，前面的轮询全部失败。
	go func() {
		time.Sleep(300 * time.Millisecond)
		listener, err := net.Listen("unix", socketPath)
		if err != nil {
			return
		}
		server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
		})}
		go server.Serve(listener)
	}()

	deadline := time.Now().Add(5 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		data, err := adapter.Health(ctx, time.Second)
		if err == nil {
			if data["status"] != "ok" {
				t.Fatalf("unexpected health payload: %v", data)
			}
			return
		}
		lastErr = err

		adapter.mu.Lock()
		cooling := time.Now().Before(adapter.disabledUntil)
		adapter.mu.Unlock()
		if cooling {
			t.Fatal("a never-reached endpoint must not enter the cool-down")
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("端点绑定后轮询仍未成功: %v", lastErr)
}

func TestAdapterEntersCooldownAfterEndpointLoss(t *testing.T) {
	dir, err := os.MkdirTemp("", "nebula-rpc")
	if err != nil {
		t.Fatalf("创建临时目录失败: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	socketPath := filepath.Join(dir, "w.sock")

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("监听 unix socket 失败: %v", err)
	}
	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})}
	go server.Serve(listener)

	adapter := NewAdapter("demo", socketPath, "t", false)
	defer adapter.Close()
	ctx := context.Background()

	if _, err := adapter.Health(ctx, time.Second); err != nil {
		t.Fatalf("Health 调用失败: %v", err)
	}

	// 端点消失：已建立过连接的端点故障才启动冷却。
	server.Close()
	os.Remove(socketPath)

	_, err = adapter.Health(ctx, time.Second)
	if xerrors.CodeOf(err) != xerrors.CodeTransportUnreachable {
		t.Fatalf("不可达端点应返回 TRANSPORT_UNREACHABLE, got %v", err)
	}

	adapter.mu.Lock()
	cooling := time.Now().Before(adapter.disabledUntil)
	adapter.mu.Unlock()
	if !cooling {
		t.Fatal("transport failure on an established endpoint should start the cool-down")
	}

	// 冷却期内的调用直接短路。
	_, err = adapter.Health(ctx, time.Second)
	if xerrors.CodeOf(err) != xerrors.CodeTransportUnreachable {
		t.Fatalf("冷却期内应快速失败, got %v", err)
	}
}

func TestAdapterTimeout(t *testing.T) {
	socketPath := startUnixServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))

	adapter := NewAdapter("demo", "unix://"+socketPath, "t", false)
	defer adapter.Close()

	_, err := adapter.Health(context.Background(), 100*time.Millisecond)
	if xerrors.CodeOf(err) != xerrors.CodeTransportTimeout {
		t.Fatalf("超时应返回 TRANSPORT_TIMEOUT, got %v", err)
	}
}

func TestAdapterRejectsRemoteEndpoint(t *testing.T) {
	adapter := NewAdapter("demo", "192.0.2.10:9000", "t", false)
	_, err := adapter.Health(context.Background(), time.Second)
	if xerrors.CodeOf(err) != xerrors.CodePermissionDenied {
		t.Fatalf("非回环端点应被策略拒绝, got %v", err)
	}
}

func TestAdapterResolveTarget(t *testing.T) {
	cases := []struct {
		endpoint    string
		allowRemote bool
		network     string
		address     string
		wantCode    xerrors.Code
	}{
		{endpoint: "unix:///run/p.sock", network: "unix", address: "/run/p.sock"},
		{endpoint: "/run/p.sock", network: "unix", address: "/run/p.sock"},
		{endpoint: "127.0.0.1:8081", network: "tcp", address: "127.0.0.1:8081"},
		{endpoint: "localhost:8081", network: "tcp", address: "localhost:8081"},
		{endpoint: "http://127.0.0.1:8081", network: "tcp", address: "127.0.0.1:8081"},
		{endpoint: "10.1.2.3:8081", allowRemote: true, network: "tcp", address: "10.1.2.3:8081"},
		{endpoint: "10.1.2.3:8081", wantCode: xerrors.CodePermissionDenied},
		{endpoint: "no-port-here", wantCode: xerrors.CodeConfigurationFailure},
		{endpoint: "", wantCode: xerrors.CodeConfigurationFailure},
	}

	for _, tc := range cases {
		adapter := NewAdapter("demo", tc.endpoint, "", tc.allowRemote)
		network, address, err := adapter.resolveTarget()
		if tc.wantCode != "" {
			if xerrors.CodeOf(err) != tc.wantCode {
				t.Fatalf("%q: want code %s, got %v", tc.endpoint, tc.wantCode, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: resolve 失败: %v", tc.endpoint, err)
		}
		if network != tc.network || address != tc.address {
			t.Fatalf("%q: got %s/%s, want %s/%s", tc.endpoint, network, address, tc.network, tc.address)
		}
	}
}
