// Package server Prometheus 指标导出
package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ci-keeper/internal/shared/model"
)

// Metrics keeper HTTP 与资源指标
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	WebhooksTotal *prometheus.CounterVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
}

// NewMetrics 创建指标实例；reg 为 nil 时注册到默认 registry
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	m := &Metrics{registerer: prometheus.DefaultRegisterer, gatherer: prometheus.DefaultGatherer}
	if reg != nil {
		m.registerer, m.gatherer = reg, reg
	}
	factory := promauto.With(m.registerer)

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)
	m.HTTPRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)
	m.WebhooksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_webhooks_total",
			Help:      "Pipeline webhooks by resulting action",
		},
		[]string{"action"},
	)
	return m
}

// ResourceSource 抓取时读取的资源状态
type ResourceSource interface {
	ListIPs(ctx context.Context) ([]*model.IPAddress, error)
	ListReservations(ctx context.Context) ([]*model.Reservation, error)
}

// QueueSource 重试队列长度
type QueueSource interface {
	Len(ctx context.Context) (int64, error)
}

// scrapeTimeout 单次抓取读库的超时
const scrapeTimeout = 2 * time.Second

// RegisterResourceGauges 注册 IP 池、预留与重试队列的抓取时指标
func (m *Metrics) RegisterResourceGauges(namespace string, res ResourceSource, q QueueSource) {
	factory := promauto.With(m.registerer)

	countIPs := func(allocated bool) float64 {
		ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
		defer cancel()
		ips, err := res.ListIPs(ctx)
		if err != nil {
			return -1
		}
		n := 0
		for _, ip := range ips {
			if ip.IsAllocated == allocated {
				n++
			}
		}
		return float64(n)
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "ip_pool_addresses",
		Help:        "IP pool addresses by allocation state",
		ConstLabels: prometheus.Labels{"state": "free"},
	}, func() float64 { return countIPs(false) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "ip_pool_addresses",
		Help:        "IP pool addresses by allocation state",
		ConstLabels: prometheus.Labels{"state": "allocated"},
	}, func() float64 { return countIPs(true) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reservations_active",
		Help:      "Active IP reservations",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
		defer cancel()
		list, err := res.ListReservations(ctx)
		if err != nil {
			return -1
		}
		return float64(len(list))
	})

	if q != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_queue_length",
			Help:      "Pipelines waiting in the retry queue",
		}, func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
			defer cancel()
			n, err := q.Len(ctx)
			if err != nil {
				return -1
			}
			return float64(n)
		})
	}
}

// MetricsMiddleware 创建 HTTP 指标中间件
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		// 包装 ResponseWriter 以捕获状态码
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := routePath(r)
		status := strconv.Itoa(wrapped.statusCode)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// Handler 返回 Prometheus HTTP Handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// responseWriter 包装 http.ResponseWriter 以捕获状态码
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routePath 优先使用 ServeMux 匹配到的模式，避免路径参数造成高基数
func routePath(r *http.Request) string {
	if r.Pattern != "" {
		if _, path, ok := strings.Cut(r.Pattern, " "); ok {
			return path
		}
		return r.Pattern
	}
	return normalizePath(r.URL.Path)
}

// normalizePath 未匹配路由时的兜底
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/v1/vms/"):
		return "/api/v1/vms/{name}"
	case strings.HasPrefix(path, "/api/v1/reservations/"):
		return "/api/v1/reservations/{pipeline_id}"
	case strings.HasPrefix(path, "/api/v1/store/"):
		return "/api/v1/store/{category}/{name}"
	case strings.HasPrefix(path, "/api/v1/"):
		return path
	default:
		return "other"
	}
}
