package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ProviderCalls   *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec
	AskTotal        *prometheus.CounterVec
	TokensDebited   prometheus.Counter
	DebitFailures   prometheus.Counter
	EnqueuedJobs    prometheus.Counter
	ProcessedJobs   prometheus.Counter
	FailedJobs      prometheus.Counter
	UpdatesTotal    prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "provider_calls_total",
				Help:      "Provider calls by model and outcome",
			}, []string{"model", "outcome"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "polychat",
				Name:      "provider_call_seconds",
				Help:      "Provider call latency",
				Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
			}, []string{"model"}),
			AskTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "ask_total",
				Help:      "Ask flows by outcome",
			}, []string{"outcome"}),
			TokensDebited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "tokens_debited_total",
				Help:      "Tokens debited from principal quotas",
			}),
			DebitFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "debit_failures_total",
				Help:      "Debits that could not be written",
			}),
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "queue_enqueued_total",
				Help:      "Total ask jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "queue_processed_total",
				Help:      "Total ask jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "queue_failed_total",
				Help:      "Total ask jobs failed during processing",
			}),
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
		}
		prometheus.MustRegister(
			global.ProviderCalls,
			global.ProviderLatency,
			global.AskTotal,
			global.TokensDebited,
			global.DebitFailures,
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.UpdatesTotal,
		)
	})
	return global
}
