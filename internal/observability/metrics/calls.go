// Package metrics 以 Prometheus 文本格式暴露插件调用与重启指标。实现为
// 进程内计数器，不依赖外部指标库。
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type callKey struct {
	plugin string
	call   string
	code   string
}

type errorKey struct {
	plugin string
	call   string
}

type latencyKey struct {
	plugin string
	call   string
}

type restartKey struct {
	plugin string
	reason string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	calls    map[callKey]uint64
	errors   map[errorKey]uint64
	latency  map[latencyKey]*histogram
	restarts map[restartKey]uint64
}

var pluginCollector = &collector{
	calls:    make(map[callKey]uint64),
	errors:   make(map[errorKey]uint64),
	latency:  make(map[latencyKey]*histogram),
	restarts: make(map[restartKey]uint64),
}

// ObservePluginCall records one supervised plugin call. code is the error
// code of the outcome, or "OK" for success.
func ObservePluginCall(plugin, call, code string, duration time.Duration) {
	pluginCollector.observe(plugin, call, code, duration)
}

// ObservePluginRestart counts one restart attempt with its trigger reason.
func ObservePluginRestart(plugin, reason string) {
	pluginCollector.mu.Lock()
	defer pluginCollector.mu.Unlock()
	pluginCollector.restarts[restartKey{plugin: plugin, reason: reason}]++
}

func (c *collector) observe(plugin, call, code string, duration time.Duration) {
	if code == "" {
		code = "OK"
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls[callKey{plugin: plugin, call: call, code: code}]++
	if code != "OK" {
		c.errors[errorKey{plugin: plugin, call: call}]++
	}

	latKey := latencyKey{plugin: plugin, call: call}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the collected metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, pluginCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type callMetric struct {
		callKey
		value uint64
	}
	type errorMetric struct {
		errorKey
		value uint64
	}
	type latencyMetric struct {
		latencyKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}
	type restartMetric struct {
		restartKey
		value uint64
	}

	calls := make([]callMetric, 0, len(c.calls))
	for key, value := range c.calls {
		calls = append(calls, callMetric{callKey: key, value: value})
	}
	errs := make([]errorMetric, 0, len(c.errors))
	for key, value := range c.errors {
		errs = append(errs, errorMetric{errorKey: key, value: value})
	}
	lats := make([]latencyMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latencyMetric{
			latencyKey: key,
			buckets:    append([]float64(nil), hist.buckets...),
			counts:     append([]uint64(nil), hist.counts...),
			sum:        hist.sum,
			count:      hist.count,
		})
	}
	restarts := make([]restartMetric, 0, len(c.restarts))
	for key, value := range c.restarts {
		restarts = append(restarts, restartMetric{restartKey: key, value: value})
	}

	sort.Slice(calls, func(i, j int) bool {
		if calls[i].plugin == calls[j].plugin {
			if calls[i].call == calls[j].call {
				return calls[i].code < calls[j].code
			}
			return calls[i].call < calls[j].call
		}
		return calls[i].plugin < calls[j].plugin
	})
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].plugin == errs[j].plugin {
			return errs[i].call < errs[j].call
		}
		return errs[i].plugin < errs[j].plugin
	})
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].plugin == lats[j].plugin {
			return lats[i].call < lats[j].call
		}
		return lats[i].plugin < lats[j].plugin
	})
	sort.Slice(restarts, func(i, j int) bool {
		if restarts[i].plugin == restarts[j].plugin {
			return restarts[i].reason < restarts[j].reason
		}
		return restarts[i].plugin < restarts[j].plugin
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP nebula_plugin_calls_total Total number of supervised plugin calls.\n")
	builder.WriteString("# TYPE nebula_plugin_calls_total counter\n")
	for _, metric := range calls {
		builder.WriteString(fmt.Sprintf("nebula_plugin_calls_total{plugin=\"%s\",call=\"%s\",code=\"%s\"} %d\n",
			escape(metric.plugin), escape(metric.call), escape(metric.code), metric.value))
	}

	builder.WriteString("# HELP nebula_plugin_call_errors_total Total number of failed plugin calls.\n")
	builder.WriteString("# TYPE nebula_plugin_call_errors_total counter\n")
	for _, metric := range errs {
		builder.WriteString(fmt.Sprintf("nebula_plugin_call_errors_total{plugin=\"%s\",call=\"%s\"} %d\n",
			escape(metric.plugin), escape(metric.call), metric.value))
	}

	builder.WriteString("# HELP nebula_plugin_call_duration_seconds Plugin call duration in seconds.\n")
	builder.WriteString("# TYPE nebula_plugin_call_duration_seconds histogram\n")
	for _, metric := range lats {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("nebula_plugin_call_duration_seconds_bucket{plugin=\"%s\",call=\"%s\",le=\"%s\"} %d\n",
				escape(metric.plugin), escape(metric.call), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("nebula_plugin_call_duration_seconds_bucket{plugin=\"%s\",call=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.plugin), escape(metric.call), metric.count))
		builder.WriteString(fmt.Sprintf("nebula_plugin_call_duration_seconds_sum{plugin=\"%s\",call=\"%s\"} %s\n",
			escape(metric.plugin), escape(metric.call), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("nebula_plugin_call_duration_seconds_count{plugin=\"%s\",call=\"%s\"} %d\n",
			escape(metric.plugin), escape(metric.call), metric.count))
	}

	builder.WriteString("# HELP nebula_plugin_restarts_total Total number of plugin restart attempts.\n")
	builder.WriteString("# TYPE nebula_plugin_restarts_total counter\n")
	for _, metric := range restarts {
		builder.WriteString(fmt.Sprintf("nebula_plugin_restarts_total{plugin=\"%s\",reason=\"%s\"} %d\n",
			escape(metric.plugin), escape(metric.reason), metric.value))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing /metrics until the
// context is cancelled.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
