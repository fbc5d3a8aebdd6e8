package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BotSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_send_errors_total",
		Help: "Ошибки отправки сообщений ботом",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 65, 70, 75, 80, 85, 90, 95, 100, 105, 110, 115, 120, 125, 130, 135, 140, 145, 150, 155, 160, 165, 170, 175, 180, 185, 190, 195, 200, 250, 300, 350, 400, 450, 500, 550, 600},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	WorkflowRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "workflow_run_seconds",
		Help:    "Время от запуска воркфлоу до получения артефакта",
		Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
	})

	WorkflowRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_runs_total",
		Help: "Количество запусков воркфлоу по исходам",
	}, []string{"outcome"})

	ScheduledFiresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduled_fires_total",
		Help: "Количество срабатываний пользовательских расписаний",
	})

	ReactionsRecordedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reactions_recorded_total",
		Help: "Количество сохранённых реакций по меткам",
	}, []string{"label"})

	PreferenceSyncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "preference_sync_total",
		Help: "Количество синхронизаций предпочтений по статусам",
	}, []string{"status"})

	RecommendationRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recommendation_requests_total",
		Help: "Количество запросов рекомендаций по источникам",
	}, []string{"cause"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		BotSendErrors,
		NetworkRequestDuration,
		NetworkRequestTotal,
		WorkflowRunDuration,
		WorkflowRunsTotal,
		ScheduledFiresTotal,
		ReactionsRecordedTotal,
		PreferenceSyncTotal,
		RecommendationRequestsTotal,
	)
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveWorkflowRun записывает исход и длительность полного цикла воркфлоу.
func ObserveWorkflowRun(start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	WorkflowRunsTotal.WithLabelValues(outcome).Inc()
	if err == nil {
		WorkflowRunDuration.Observe(time.Since(start).Seconds())
	}
}
