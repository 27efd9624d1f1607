package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP метрики
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geotrust_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotrust_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// Метрики верификации присутствия
	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotrust_validations_total",
			Help: "Total number of presence validations by resulting status",
		},
		[]string{"status"},
	)

	ValidationConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geotrust_validation_confidence",
			Help:    "Confidence of smoothed positions at validation time",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geotrust_active_sessions",
			Help: "Number of tracked smoothing sessions",
		},
	)

	// Метрики детектора подмены координат
	SpoofingDetections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotrust_spoofing_detections_total",
			Help: "Total number of spoofing checks by severity",
		},
		[]string{"severity"},
	)

	AnomalyScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geotrust_anomaly_score",
			Help:    "Distribution of anomaly scores",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	UsersBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geotrust_users_blocked_total",
			Help: "Total number of users blocked for GPS spoofing",
		},
	)

	// Метрики обучателя порогов
	LearnerRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geotrust_learner_records_total",
			Help: "Total number of validation outcomes recorded",
		},
	)

	LearnerOptimizations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geotrust_learner_optimizations_total",
			Help: "Total number of threshold optimization runs",
		},
	)

	// WebSocket метрики
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geotrust_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	WebSocketMessagesOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotrust_websocket_messages_out_total",
			Help: "Total number of WebSocket messages sent",
		},
		[]string{"type"},
	)

	WebSocketErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geotrust_websocket_errors_total",
			Help: "Total number of WebSocket errors",
		},
	)

	// MQTT метрики
	MQTTMessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geotrust_mqtt_messages_received_total",
			Help: "Total number of MQTT fix messages received",
		},
	)

	MQTTParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geotrust_mqtt_parse_errors_total",
			Help: "Total number of MQTT fix parse errors",
		},
	)

	MQTTConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geotrust_mqtt_connection_status",
			Help: "MQTT connection status (1 = connected, 0 = disconnected)",
		},
	)

	// Redis метрики
	RedisOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geotrust_redis_operation_duration_seconds",
			Help:    "Duration of Redis operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	RedisOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotrust_redis_operation_errors_total",
			Help: "Total number of Redis operation errors",
		},
		[]string{"operation"},
	)

	// Статусы внешних соединений
	MySQLConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geotrust_mysql_connection_status",
			Help: "MySQL connection status (1 = connected, 0 = disconnected)",
		},
	)

	RedisConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geotrust_redis_connection_status",
			Help: "Redis connection status (1 = connected, 0 = disconnected)",
		},
	)

	// Общие метрики приложения
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geotrust_app_info",
			Help: "Application information",
		},
		[]string{"version", "commit", "build_time"},
	)
)

// SetAppInfo устанавливает информацию о версии приложения
func SetAppInfo(version, commit, buildTime string) {
	AppInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
