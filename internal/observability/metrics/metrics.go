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

type requestKey struct {
	handler string
	method  string
	code    string
}

type latencyKey struct {
	handler string
	method  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu         sync.Mutex
	requests   map[requestKey]uint64
	latency    map[latencyKey]*histogram
	executions map[string]uint64
	failures   map[string]uint64
	sweeps     uint64
	sweepDue   uint64
	published  uint64
}

var defaultCollector = &collector{
	requests:   make(map[requestKey]uint64),
	latency:    make(map[latencyKey]*histogram),
	executions: make(map[string]uint64),
	failures:   make(map[string]uint64),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.observeHTTP(handler, method, status, duration)
}

// ObserveSweep records a reconciler sweep with its due/published counts.
func ObserveSweep(due, published int) {
	defaultCollector.mu.Lock()
	defaultCollector.sweeps++
	defaultCollector.sweepDue += uint64(due)
	defaultCollector.published += uint64(published)
	defaultCollector.mu.Unlock()
}

// ObserveExecution records a finished execution attempt by outcome.
func ObserveExecution(outcome string) {
	defaultCollector.mu.Lock()
	defaultCollector.executions[outcome]++
	defaultCollector.mu.Unlock()
}

// ObserveFailure records an execution failure by structured reason.
func ObserveFailure(reason string) {
	defaultCollector.mu.Lock()
	defaultCollector.failures[reason]++
	defaultCollector.mu.Unlock()
}

func (c *collector) observeHTTP(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKey := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	c.requests[reqKey]++

	latKey := latencyKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
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

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	type requestMetric struct {
		requestKey
		value uint64
	}
	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})

	builder.WriteString("# HELP chaindca_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE chaindca_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("chaindca_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			escape(metric.handler), escape(metric.method), escape(metric.code), metric.value))
	}

	type latencyMetric struct {
		latencyKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
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
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].handler == lats[j].handler {
			return lats[i].method < lats[j].method
		}
		return lats[i].handler < lats[j].handler
	})

	builder.WriteString("# HELP chaindca_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE chaindca_http_request_duration_seconds histogram\n")
	for _, metric := range lats {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("chaindca_http_request_duration_seconds_bucket{handler=%q,method=%q,le=%q} %d\n",
				escape(metric.handler), escape(metric.method), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("chaindca_http_request_duration_seconds_bucket{handler=%q,method=%q,le=\"+Inf\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.count))
		builder.WriteString(fmt.Sprintf("chaindca_http_request_duration_seconds_sum{handler=%q,method=%q} %s\n",
			escape(metric.handler), escape(metric.method), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("chaindca_http_request_duration_seconds_count{handler=%q,method=%q} %d\n",
			escape(metric.handler), escape(metric.method), metric.count))
	}

	builder.WriteString("# HELP chaindca_sweeps_total Total number of reconciler sweeps.\n")
	builder.WriteString("# TYPE chaindca_sweeps_total counter\n")
	builder.WriteString(fmt.Sprintf("chaindca_sweeps_total %d\n", c.sweeps))
	builder.WriteString("# HELP chaindca_sweep_due_total Total orders found due across sweeps.\n")
	builder.WriteString("# TYPE chaindca_sweep_due_total counter\n")
	builder.WriteString(fmt.Sprintf("chaindca_sweep_due_total %d\n", c.sweepDue))
	builder.WriteString("# HELP chaindca_sweep_published_total Total due orders handed to the trigger queue.\n")
	builder.WriteString("# TYPE chaindca_sweep_published_total counter\n")
	builder.WriteString(fmt.Sprintf("chaindca_sweep_published_total %d\n", c.published))

	outcomes := make([]string, 0, len(c.executions))
	for outcome := range c.executions {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	builder.WriteString("# HELP chaindca_executions_total Total execution attempts by outcome.\n")
	builder.WriteString("# TYPE chaindca_executions_total counter\n")
	for _, outcome := range outcomes {
		builder.WriteString(fmt.Sprintf("chaindca_executions_total{outcome=%q} %d\n", escape(outcome), c.executions[outcome]))
	}

	reasons := make([]string, 0, len(c.failures))
	for reason := range c.failures {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	builder.WriteString("# HELP chaindca_execution_failures_total Execution failures by structured reason.\n")
	builder.WriteString("# TYPE chaindca_execution_failures_total counter\n")
	for _, reason := range reasons {
		builder.WriteString(fmt.Sprintf("chaindca_execution_failures_total{reason=%q} %d\n", escape(reason), c.failures[reason]))
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
