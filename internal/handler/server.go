package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/geotrust/presence-backend/internal/config"
	"github.com/geotrust/presence-backend/internal/metrics"
	"github.com/geotrust/presence-backend/internal/service"
)

// Server HTTP сервер верификации присутствия
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	logger      *logrus.Logger
	config      *config.Config
	restHandler *RESTHandler
	wsHandler   *WebSocketHandler
}

// NewServer создает новый HTTP сервер
func NewServer(cfg *config.Config, verification *service.VerificationService, logger *logrus.Logger) *Server {
	// Production mode для Gin
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware
	router.Use(LoggerMiddleware(logger))
	router.Use(gin.Recovery())
	router.Use(CORSMiddleware())
	router.Use(RateLimitMiddleware())
	router.Use(SecurityHeadersMiddleware())
	router.Use(MetricsMiddleware())

	restHandler := NewRESTHandler(verification, cfg, logger)
	wsHandler := NewWebSocketHandler(logger)

	// Решения транслируются WebSocket-подписчикам
	verification.SetDecisionSink(wsHandler.BroadcastDecision)

	server := &Server{
		router:      router,
		logger:      logger,
		config:      cfg,
		restHandler: restHandler,
		wsHandler:   wsHandler,
	}

	server.httpServer = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	server.setupRoutes()

	return server
}

// setupRoutes настраивает маршруты API
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.healthCheck)

	// API v1 группа
	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/verify", s.restHandler.Verify)
		v1.POST("/verify/batch", s.restHandler.VerifyBatch)
		v1.POST("/outcome", s.restHandler.RecordOutcome)
		v1.GET("/targets", s.restHandler.GetTargets)
		v1.GET("/quality", s.restHandler.GetGPSQuality)

		// Административные операции (требуют токен)
		admin := v1.Group("/admin")
		admin.Use(AdminAuthMiddleware(s.config.Server.AdminToken, s.logger))
		{
			admin.POST("/unblock/:user_id", s.restHandler.UnblockUser)
			admin.DELETE("/history/:user_id", s.restHandler.ClearUserHistory)
			admin.GET("/risk/:user_id", s.restHandler.GetUserRisk)
			admin.GET("/fraud/stats", s.restHandler.GetFraudStats)
			admin.GET("/learner/stats", s.restHandler.GetLearnerStats)
			admin.POST("/learner/optimize", s.restHandler.OptimizeThresholds)
			admin.GET("/thresholds", s.restHandler.GetThresholds)
		}
	}

	// WebSocket поток решений
	s.router.GET("/ws/v1/decisions", s.wsHandler.HandleWebSocket)

	// Метрики для мониторинга
	if s.config.Monitoring.MetricsEnabled {
		s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}

// Start запускает HTTP сервер
func (s *Server) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address": s.config.Server.Address,
		"mode":    gin.Mode(),
	}).Info("Starting HTTP server")

	return s.httpServer.ListenAndServe()
}

// Shutdown корректное завершение сервера
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	s.wsHandler.Close()
	return s.httpServer.Shutdown(ctx)
}

// Health check endpoint
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// ==================== Middleware ====================

// LoggerMiddleware логирование запросов
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)

		logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": latency.Milliseconds(),
			"client_ip":  c.ClientIP(),
		}).Info("HTTP request completed")
	}
}

// CORSMiddleware настройка CORS
func CORSMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"}, // В production указать конкретные домены
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"*"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// RateLimitMiddleware ограничение частоты запросов
func RateLimitMiddleware() gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(100), 200) // 100 req/sec, burst 200

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code":    "rate_limit_exceeded",
				"message": "Too many requests",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// SecurityHeadersMiddleware заголовки безопасности
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// MetricsMiddleware HTTP метрики
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		status := http.StatusText(c.Writer.Status())

		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, endpoint, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, endpoint, status).
			Observe(time.Since(start).Seconds())
	}
}

// AdminAuthMiddleware проверка Bearer token для административных операций
func AdminAuthMiddleware(adminToken string, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminToken == "" {
			logger.Warn("Admin endpoint accessed but ADMIN_TOKEN is not configured")
			c.JSON(http.StatusForbidden, gin.H{
				"code":    "admin_disabled",
				"message": "Admin API is not configured",
			})
			c.Abort()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "missing_authorization",
				"message": "Authorization header is required",
			})
			c.Abort()
			return
		}

		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "invalid_token_format",
				"message": "Invalid authorization format",
			})
			c.Abort()
			return
		}

		if token != adminToken {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "invalid_token",
				"message": "Invalid admin token",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
