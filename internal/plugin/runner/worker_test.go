package runner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	xerrors "Nebula-Host/internal/errors"
	hostplugin "Nebula-Host/internal/plugin"
)

type scriptedPlugin struct {
	hostplugin.Base
	healthData map[string]any
	healthErr  error
	syncErr    error
}

func (s *scriptedPlugin) Health(context.Context) (map[string]any, error) {
	return s.healthData, s.healthErr
}

func (s *scriptedPlugin) SyncUsers(_ context.Context, payload map[string]any) (map[string]any, error) {
	if s.syncErr != nil {
		return nil, s.syncErr
	}
	return map[string]any{"echo": payload["dry_run"]}, nil
}

func newTestWorker(instance hostplugin.Plugin, token string) *Worker {
	return &Worker{
		opts:     Options{PluginName: "demo", Token: token},
		instance: instance,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func decodeWireError(t *testing.T, body io.Reader) hostplugin.WireError {
	t.Helper()
	var wireErr hostplugin.WireError
	if err := json.NewDecoder(body).Decode(&wireErr); err != nil {
		t.Fatalf("解析错误响应失败: %v", err)
	}
	return wireErr
}

func TestAuthorizedRejectsWrongToken(t *testing.T) {
	w := newTestWorker(&scriptedPlugin{}, "good-token")
	handler := w.authorized(w.handleHealth)

	req := httptest.NewRequest(http.MethodPost, hostplugin.PathHealth, nil)
	req.Header.Set(hostplugin.TokenHeader, "bad-token")
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("错误令牌应返回 403, got %d", rec.Code)
	}
	if wireErr := decodeWireError(t, rec.Body); wireErr.Code != string(xerrors.CodePermissionDenied) {
		t.Fatalf("unexpected wire code: %s", wireErr.Code)
	}
}

func TestAuthorizedRejectsNonPost(t *testing.T) {
	w := newTestWorker(&scriptedPlugin{}, "tok")
	handler := w.authorized(w.handleHealth)

	req := httptest.NewRequest(http.MethodGet, hostplugin.PathHealth, nil)
	req.Header.Set(hostplugin.TokenHeader, "tok")
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("GET 应返回 400, got %d", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	w := newTestWorker(&scriptedPlugin{healthData: map[string]any{"status": "ok", "uptime": 12}}, "tok")
	handler := w.authorized(w.handleHealth)

	req := httptest.NewRequest(http.MethodPost, hostplugin.PathHealth, nil)
	req.Header.Set(hostplugin.TokenHeader, "tok")
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var data map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&data); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if data["status"] != "ok" {
		t.Fatalf("unexpected payload: %v", data)
	}
}

func TestHandleHealthErrorMapsWireCode(t *testing.T) {
	w := newTestWorker(&scriptedPlugin{
		healthErr: xerrors.New(xerrors.CodeStorageFailure, "身份库不可用"),
	}, "tok")
	req := httptest.NewRequest(http.MethodPost, hostplugin.PathHealth, nil)
	req.Header.Set(hostplugin.TokenHeader, "tok")
	rec := httptest.NewRecorder()
	w.authorized(w.handleHealth)(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if wireErr := decodeWireError(t, rec.Body); wireErr.Code != string(xerrors.CodeStorageFailure) {
		t.Fatalf("unexpected wire code: %s", wireErr.Code)
	}
}

func TestHandleSyncUsers(t *testing.T) {
	w := newTestWorker(&scriptedPlugin{}, "tok")
	handler := w.authorized(w.handleSyncUsers)

	req := httptest.NewRequest(http.MethodPost, hostplugin.PathSyncUsers,
		strings.NewReader(`{"dry_run": true}`))
	req.Header.Set(hostplugin.TokenHeader, "tok")
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var data map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&data); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if data["echo"] != true {
		t.Fatalf("unexpected payload: %v", data)
	}
}

func TestHandleSyncUsersRejectsBadBody(t *testing.T) {
	w := newTestWorker(&scriptedPlugin{}, "tok")
	req := httptest.NewRequest(http.MethodPost, hostplugin.PathSyncUsers,
		strings.NewReader("not json"))
	req.Header.Set(hostplugin.TokenHeader, "tok")
	rec := httptest.NewRecorder()
	w.authorized(w.handleSyncUsers)(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("非 JSON 请求体应返回 400, got %d", rec.Code)
	}
}

func TestRunRejectsInvalidPluginName(t *testing.T) {
	err := Run(context.Background(), Options{PluginName: "bad name"})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("非法插件名应被拒绝, got %v", err)
	}
}

func TestServeRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "nebula-worker")
	if err != nil {
		t.Fatalf("创建临时目录失败: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	socketPath := filepath.Join(dir, "w.sock")

	w := &Worker{
		opts: Options{
			PluginName: "rt-demo",
			SocketPath: socketPath,
			Token:      "tok",
		},
		instance: &scriptedPlugin{healthData: map[string]any{"status": "ok"}},
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.serve(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("socket 未在期限内出现")
		}
		time.Sleep(10 * time.Millisecond)
	}

	adapter := hostplugin.NewAdapter("rt-demo", "unix://"+socketPath, "tok", false)
	defer adapter.Close()
	data, err := adapter.Health(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("Health 调用失败: %v", err)
	}
	if data["status"] != "ok" {
		t.Fatalf("unexpected payload: %v", data)
	}

	// 错误令牌必须被拒绝。
	stale := hostplugin.NewAdapter("rt-demo", "unix://"+socketPath, "stale", false)
	defer stale.Close()
	if _, err := stale.Health(context.Background(), 2*time.Second); xerrors.CodeOf(err) != xerrors.CodePermissionDenied {
		t.Fatalf("错误令牌应返回 PERMISSION_DENIED, got %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve 退出异常: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve 未在期限内退出")
	}
	if _, err := os.Stat(socketPath); err == nil {
		t.Fatal("退出后应移除 socket 文件")
	}
}
