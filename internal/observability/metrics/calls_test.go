package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRenderPluginCallMetrics(t *testing.T) {
	ObservePluginCall("sample-sync", "health", "OK", 20*time.Millisecond)
	ObservePluginCall("sample-sync", "health", "OK", 40*time.Millisecond)
	ObservePluginCall("sample-sync", "sync_users", "TRANSPORT_TIMEOUT", 10*time.Second)
	ObservePluginRestart("sample-sync", "timeouts")

	recorder := httptest.NewRecorder()
	Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	body := recorder.Body.String()

	for _, want := range []string{
		`nebula_plugin_calls_total{plugin="sample-sync",call="health",code="OK"} 2`,
		`nebula_plugin_calls_total{plugin="sample-sync",call="sync_users",code="TRANSPORT_TIMEOUT"} 1`,
		`nebula_plugin_call_errors_total{plugin="sample-sync",call="sync_users"} 1`,
		`nebula_plugin_call_duration_seconds_count{plugin="sample-sync",call="health"} 2`,
		`nebula_plugin_restarts_total{plugin="sample-sync",reason="timeouts"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("指标输出缺少 %q:\n%s", want, body)
		}
	}

	if !strings.Contains(recorder.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("unexpected content type: %s", recorder.Header().Get("Content-Type"))
	}
}
