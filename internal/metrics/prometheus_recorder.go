package metrics

import (
	"net/http"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once          sync.Once
	tasksLeased   *prom.CounterVec
	taskResults   *prom.CounterVec
	stageDuration *prom.HistogramVec
	queueDepth    *prom.GaugeVec
	buildOutcome  *prom.CounterVec
	webhookResult *prom.CounterVec
	activeWorkers *prom.GaugeVec
}

// NewPrometheusRecorder constructs and registers the pipeline metrics.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.tasksLeased = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "cifixer",
			Name:      "tasks_leased_total",
			Help:      "Tasks handed to workers, by stage kind",
		}, []string{"kind"})
		pr.taskResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "cifixer",
			Name:      "task_results_total",
			Help:      "Task outcomes by stage kind and result",
		}, []string{"kind", "result"})
		pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "cifixer",
			Name:      "stage_duration_seconds",
			Help:      "Handler execution time by stage kind",
			Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind"})
		pr.queueDepth = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "cifixer",
			Name:      "queue_depth",
			Help:      "Leasable tasks per stage kind at the last tick",
		}, []string{"kind"})
		pr.buildOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "cifixer",
			Name:      "build_outcomes_total",
			Help:      "Terminal build outcomes",
		}, []string{"outcome"})
		pr.webhookResult = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "cifixer",
			Name:      "webhook_results_total",
			Help:      "Webhook ingestion results",
		}, []string{"result"})
		pr.activeWorkers = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "cifixer",
			Name:      "active_workers",
			Help:      "Currently running workers per stage kind",
		}, []string{"kind"})
		reg.MustRegister(pr.tasksLeased, pr.taskResults, pr.stageDuration,
			pr.queueDepth, pr.buildOutcome, pr.webhookResult, pr.activeWorkers)
	})
	return pr
}

func (p *PrometheusRecorder) IncTaskLeased(kind string) {
	if p == nil || p.tasksLeased == nil {
		return
	}
	p.tasksLeased.WithLabelValues(kind).Inc()
}

func (p *PrometheusRecorder) IncTaskResult(kind string, result TaskResultLabel) {
	if p == nil || p.taskResults == nil {
		return
	}
	p.taskResults.WithLabelValues(kind, string(result)).Inc()
}

func (p *PrometheusRecorder) ObserveStageDuration(kind string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (p *PrometheusRecorder) SetQueueDepth(kind string, pending int) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.WithLabelValues(kind).Set(float64(pending))
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome string) {
	if p == nil || p.buildOutcome == nil {
		return
	}
	p.buildOutcome.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncWebhookResult(result string) {
	if p == nil || p.webhookResult == nil {
		return
	}
	p.webhookResult.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) SetActiveWorkers(kind string, n int) {
	if p == nil || p.activeWorkers == nil {
		return
	}
	p.activeWorkers.WithLabelValues(kind).Set(float64(n))
}

// HTTPHandler serves the registry for the /metrics endpoint.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
