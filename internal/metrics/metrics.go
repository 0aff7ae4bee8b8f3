package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clubops/internal/domain"
)

var (
	registry = prometheus.DefaultRegisterer

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubops_http_requests_total",
			Help: "Total number of HTTP requests by route/method/code.",
		},
		[]string{"route", "method", "code"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clubops_http_request_duration_seconds",
			Help:    "Duration of HTTP requests by route/method/code.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "code"},
	)

	taskOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubops_task_operations_total",
			Help: "Engine operations by op, result and error kind.",
		},
		[]string{"op", "result", "error"},
	)

	taskOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clubops_task_operation_duration_seconds",
			Help:    "Duration of engine operations by op and result.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "result"},
	)

	handoverTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubops_handover_tasks_total",
			Help: "Tasks processed by handover execution, by target and outcome.",
		},
		[]string{"target", "outcome"},
	)
)

// Middleware records request counts and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		if route == "/metrics" {
			return
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)
		httpRequests.WithLabelValues(route, r.Method, code).Inc()
		httpDuration.WithLabelValues(route, r.Method, code).Observe(time.Since(start).Seconds())
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOp records the outcome of one engine operation started at start.
func ObserveOp(op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	taskOps.WithLabelValues(op, result, ErrorKind(err)).Inc()
	taskOpDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

// ObserveHandoverTask counts one task of a handover execution.
func ObserveHandoverTask(target, outcome string) {
	handoverTasks.WithLabelValues(target, outcome).Inc()
}

// ErrorKind maps err to a bounded label value.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrAlreadyOwned):
		return "already_owned"
	case errors.Is(err, domain.ErrNotClaimable):
		return "not_claimable"
	case errors.Is(err, domain.ErrOwnerChanged):
		return "owner_changed"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, domain.ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

func init() {
	collectors := []prometheus.Collector{
		httpRequests,
		httpDuration,
		taskOps,
		taskOpDuration,
		handoverTasks,
	}

	for _, c := range collectors {
		_ = registry.Register(c)
	}
}
