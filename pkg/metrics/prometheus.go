package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics глобальный контейнер метрик
type Metrics struct {
	// Метрики HTTP-запросов через request-reply адаптер
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Метрики протокольных адаптеров
	AdapterConnectionsActive *prometheus.GaugeVec
	BidirectionalFramesTotal *prometheus.CounterVec

	// Метрики сессий и рукопожатий
	HandshakesTotal *prometheus.CounterVec
	SessionsActive  prometheus.Gauge

	// Метрики шины публикации-подписки
	BusMessagesTotal     *prometheus.CounterVec
	BusSubscribersActive prometheus.Gauge

	// Метрики планировщика
	SchedulerTasksTotal    *prometheus.CounterVec
	SchedulerTaskDuration  *prometheus.HistogramVec
	SchedulerLockContended *prometheus.CounterVec
	SchedulerTasksDue      prometheus.Gauge

	// Системные метрики
	MemoryUsage *prometheus.GaugeVec
	Goroutines  prometheus.Gauge

	// Информация о сервисе
	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// InitMetrics инициализирует метрики
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_total",
				Help:      "Total number of requests handled by the request-reply adapter",
			},
			[]string{"method", "status"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "request_duration_seconds",
				Help:      "Duration of request-reply requests",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),

		RequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_in_flight",
				Help:      "Current number of requests being processed",
			},
		),

		AdapterConnectionsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "adapter_connections_active",
				Help:      "Active connections per protocol adapter",
			},
			[]string{"adapter"},
		),

		BidirectionalFramesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "bidirectional_frames_total",
				Help:      "Total number of frames exchanged over the bidirectional adapter",
			},
			[]string{"direction", "frame_type"},
		),

		HandshakesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "handshakes_total",
				Help:      "Total number of session handshakes",
			},
			[]string{"status"},
		),

		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sessions_active",
				Help:      "Current number of live encrypted sessions",
			},
		),

		BusMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "bus_messages_total",
				Help:      "Total number of messages published on the event bus",
			},
			[]string{"topic"},
		),

		BusSubscribersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "bus_subscribers_active",
				Help:      "Current number of active bus subscriptions",
			},
		),

		SchedulerTasksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "scheduler_tasks_total",
				Help:      "Total number of scheduled task executions",
			},
			[]string{"task_type", "status"},
		),

		SchedulerTaskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "scheduler_task_duration_seconds",
				Help:      "Duration of scheduled task executions",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"task_type"},
		),

		SchedulerLockContended: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "scheduler_lock_contended_total",
				Help:      "Total number of times a task lock was already held",
			},
			[]string{"task_type"},
		),

		SchedulerTasksDue: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "scheduler_tasks_due",
				Help:      "Number of tasks due on the most recent tick",
			},
		),

		MemoryUsage: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage",
			},
			[]string{"type"},
		),

		Goroutines: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "goroutines",
				Help:      "Current number of goroutines",
			},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service information",
			},
			[]string{"version", "environment"},
		),
	}

	defaultMetrics = m
	return m
}

// Get возвращает глобальные метрики
func Get() *Metrics {
	if defaultMetrics == nil {
		return InitMetrics("gateway", "")
	}
	return defaultMetrics
}

// RecordRequest записывает метрики запроса, обработанного request-reply адаптером
func (m *Metrics) RecordRequest(method, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// IncAdapterConnections увеличивает счётчик активных соединений адаптера
func (m *Metrics) IncAdapterConnections(adapter string) {
	m.AdapterConnectionsActive.WithLabelValues(adapter).Inc()
}

// DecAdapterConnections уменьшает счётчик активных соединений адаптера
func (m *Metrics) DecAdapterConnections(adapter string) {
	m.AdapterConnectionsActive.WithLabelValues(adapter).Dec()
}

// RecordBidirectionalFrame записывает кадр, отправленный или полученный bidirectional-адаптером
func (m *Metrics) RecordBidirectionalFrame(direction, frameType string) {
	m.BidirectionalFramesTotal.WithLabelValues(direction, frameType).Inc()
}

// RecordHandshake записывает исход рукопожатия сессии
func (m *Metrics) RecordHandshake(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.HandshakesTotal.WithLabelValues(status).Inc()
}

// RecordBusPublish записывает публикацию сообщения на указанную тему
func (m *Metrics) RecordBusPublish(topic string) {
	m.BusMessagesTotal.WithLabelValues(topic).Inc()
}

// RecordSchedulerTask записывает завершение выполнения задачи планировщика
func (m *Metrics) RecordSchedulerTask(taskType string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m.SchedulerTasksTotal.WithLabelValues(taskType, status).Inc()
	m.SchedulerTaskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// RecordLockContention записывает попытку получить уже удержанную блокировку задачи
func (m *Metrics) RecordLockContention(taskType string) {
	m.SchedulerLockContended.WithLabelValues(taskType).Inc()
}

// SetServiceInfo устанавливает информацию о сервисе
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// Handler возвращает HTTP handler для /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer запускает HTTP сервер для метрик
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		// Игнорируем ошибку записи - response уже отправлен
		_, _ = w.Write([]byte("OK")) //nolint:errcheck // health endpoint, ошибка записи не критична
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
