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

	"ARC-Router/internal/task"
)

const namespace = "arc"

var defaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
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
			// 桶是累计的；超过最后一个边界的值只计入 +Inf，即 h.count。
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

type counterVec struct {
	name   string
	help   string
	labels []string
	values map[string]uint64
}

type histogramVec struct {
	name   string
	help   string
	labels []string
	values map[string]*histogram
}

func labelKey(values []string) string {
	return strings.Join(values, "\x00")
}

// Collector 以 Prometheus 文本格式汇总 HTTP、适配器调用与调度指标。
type Collector struct {
	mu sync.Mutex

	httpRequests    counterVec
	httpErrors      counterVec
	httpLatency     histogramVec
	adapterCalls    counterVec
	adapterLatency  histogramVec
	dispatches      counterVec
	dispatchLatency histogramVec
	merges          counterVec
}

// NewCollector 创建空的 Collector。
func NewCollector() *Collector {
	return &Collector{
		httpRequests: counterVec{name: namespace + "_http_requests_total", help: "Total number of HTTP requests processed.",
			labels: []string{"handler", "method", "code"}, values: map[string]uint64{}},
		httpErrors: counterVec{name: namespace + "_http_request_errors_total", help: "Total number of HTTP requests that resulted in a server error.",
			labels: []string{"handler", "method"}, values: map[string]uint64{}},
		httpLatency: histogramVec{name: namespace + "_http_request_duration_seconds", help: "HTTP request duration in seconds.",
			labels: []string{"handler", "method"}, values: map[string]*histogram{}},
		adapterCalls: counterVec{name: namespace + "_adapter_calls_total", help: "Total number of adapter invocations by outcome.",
			labels: []string{"adapter", "outcome"}, values: map[string]uint64{}},
		adapterLatency: histogramVec{name: namespace + "_adapter_call_duration_seconds", help: "Adapter invocation duration in seconds.",
			labels: []string{"adapter"}, values: map[string]*histogram{}},
		dispatches: counterVec{name: namespace + "_dispatches_total", help: "Total number of dispatched tasks by kind, mode and outcome.",
			labels: []string{"kind", "mode", "outcome"}, values: map[string]uint64{}},
		dispatchLatency: histogramVec{name: namespace + "_dispatch_duration_seconds", help: "End-to-end dispatch duration in seconds.",
			labels: []string{"kind"}, values: map[string]*histogram{}},
		merges: counterVec{name: namespace + "_merges_total", help: "Total number of merges by strategy and outcome.",
			labels: []string{"strategy", "outcome"}, values: map[string]uint64{}},
	}
}

var defaultCollector = NewCollector()

// Default 返回进程级的 Collector。
func Default() *Collector {
	return defaultCollector
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle on the default collector.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.ObserveHTTPRequest(handler, method, status, duration)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpRequests.values[labelKey([]string{handler, method, strconv.Itoa(status)})]++
	if status >= 500 {
		c.httpErrors.values[labelKey([]string{handler, method})]++
	}
	c.httpLatency.observe([]string{handler, method}, duration)
}

// ObserveDispatch 记录一次完整调度。
func (c *Collector) ObserveDispatch(kind task.Kind, mode string, success bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatches.values[labelKey([]string{string(kind), mode, outcome(success)})]++
	c.dispatchLatency.observe([]string{string(kind)}, duration)
}

// ObserveMerge 记录一次合并。
func (c *Collector) ObserveMerge(strategy string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.merges.values[labelKey([]string{strategy, outcome(success)})]++
}

// StartTask 在每次适配器调用前被调度引擎回调，返回的函数记录调用结果与耗时。
func (c *Collector) StartTask(_ *task.Task, adapterName string) func(*task.Response) {
	started := time.Now()
	return func(resp *task.Response) {
		success := resp != nil && resp.Success
		elapsed := time.Since(started)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.adapterCalls.values[labelKey([]string{adapterName, outcome(success)})]++
		c.adapterLatency.observe([]string{adapterName}, elapsed)
	}
}

// AdapterCalls 返回指定适配器与结果的调用次数。
func (c *Collector) AdapterCalls(adapterName string, success bool) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adapterCalls.values[labelKey([]string{adapterName, outcome(success)})]
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (v *histogramVec) observe(labels []string, duration time.Duration) {
	key := labelKey(labels)
	hist := v.values[key]
	if hist == nil {
		hist = newHistogram(defaultBuckets)
		v.values[key] = hist
	}
	hist.observe(duration.Seconds())
}

// Handler exposes the default collector in Prometheus text exposition format.
func Handler() http.Handler {
	return defaultCollector.Handler()
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, c.Render())
	})
}

// Render 输出全部指标，同一指标内按标签排序。
func (c *Collector) Render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(4096)
	c.httpRequests.render(&builder)
	c.httpErrors.render(&builder)
	c.httpLatency.render(&builder)
	c.adapterCalls.render(&builder)
	c.adapterLatency.render(&builder)
	c.dispatches.render(&builder)
	c.dispatchLatency.render(&builder)
	c.merges.render(&builder)
	return builder.String()
}

func (v *counterVec) render(b *strings.Builder) {
	fmt.Fprintf(b, "# HELP %s %s\n", v.name, v.help)
	fmt.Fprintf(b, "# TYPE %s counter\n", v.name)
	for _, key := range sortedKeys(v.values) {
		fmt.Fprintf(b, "%s{%s} %d\n", v.name, formatLabels(v.labels, key), v.values[key])
	}
}

func (v *histogramVec) render(b *strings.Builder) {
	fmt.Fprintf(b, "# HELP %s %s\n", v.name, v.help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", v.name)
	for _, key := range sortedKeys(v.values) {
		hist := v.values[key]
		labels := formatLabels(v.labels, key)
		for idx, bound := range hist.buckets {
			fmt.Fprintf(b, "%s_bucket{%s,le=\"%s\"} %d\n", v.name, labels, formatFloat(bound), hist.counts[idx])
		}
		fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", v.name, labels, hist.count)
		fmt.Fprintf(b, "%s_sum{%s} %s\n", v.name, labels, formatFloat(hist.sum))
		fmt.Fprintf(b, "%s_count{%s} %d\n", v.name, labels, hist.count)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatLabels(names []string, key string) string {
	values := strings.Split(key, "\x00")
	parts := make([]string, len(names))
	for i, name := range names {
		value := ""
		if i < len(values) {
			value = values[i]
		}
		parts[i] = fmt.Sprintf("%s=\"%s\"", name, escape(value))
	}
	return strings.Join(parts, ",")
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

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
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
