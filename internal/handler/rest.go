package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/geotrust/presence-backend/internal/config"
	"github.com/geotrust/presence-backend/internal/models"
	"github.com/geotrust/presence-backend/internal/presence"
	"github.com/geotrust/presence-backend/internal/service"
)

// RESTHandler обработчики REST API верификации
type RESTHandler struct {
	verification *service.VerificationService
	config       *config.Config
	logger       *logrus.Logger
}

// NewRESTHandler создает новый REST handler
func NewRESTHandler(verification *service.VerificationService, cfg *config.Config, logger *logrus.Logger) *RESTHandler {
	return &RESTHandler{
		verification: verification,
		config:       cfg,
		logger:       logger,
	}
}

// Verify обрабатывает POST /api/v1/verify
// Полный конвейер: детектор подмены, сглаживание, проверка геозон
func (h *RESTHandler) Verify(c *gin.Context) {
	var req service.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_request",
			"message": err.Error(),
		})
		return
	}

	decision, err := h.verification.VerifyPresence(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "verification_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, decision)
}

// batchVerifyRequest запрос проверки набора зон без состояния сессии
type batchVerifyRequest struct {
	Position  *models.FilteredPosition `json:"position"`
	TargetIDs []string                 `json:"target_ids"`
}

// VerifyBatch обрабатывает POST /api/v1/verify/batch
// Быстрая проверка набора зон по уже сглаженной позиции. Отсутствие
// позиции допустимо: клиент получает подсказку включить GPS.
func (h *RESTHandler) VerifyBatch(c *gin.Context) {
	var req batchVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if len(req.TargetIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_request",
			"message": "target_ids is required",
		})
		return
	}

	results, err := h.verification.PreValidate(c.Request.Context(), req.Position, req.TargetIDs)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "target_not_found",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"count":   len(results),
	})
}

// RecordOutcome обрабатывает POST /api/v1/outcome
// Фиксирует реальный исход решения для обучателя порогов
func (h *RESTHandler) RecordOutcome(c *gin.Context) {
	var req service.OutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if err := h.verification.RecordOutcome(c.Request.Context(), &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_outcome",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}

// GetTargets обрабатывает GET /api/v1/targets?lat=&lon=&radius=
// Возвращает геозоны в радиусе от точки
func (h *RESTHandler) GetTargets(c *gin.Context) {
	lat, err := strconv.ParseFloat(c.Query("lat"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_latitude",
			"message": "lat parameter is required and must be a number",
		})
		return
	}

	lon, err := strconv.ParseFloat(c.Query("lon"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_longitude",
			"message": "lon parameter is required and must be a number",
		})
		return
	}

	center := models.GeoPoint{Latitude: lat, Longitude: lon}
	if err := center.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_position",
			"message": err.Error(),
		})
		return
	}

	radius := 0.0
	if radiusStr := c.Query("radius"); radiusStr != "" {
		radius, err = strconv.ParseFloat(radiusStr, 64)
		if err != nil || radius < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "invalid_radius",
				"message": "radius must be a positive number",
			})
			return
		}
	}

	targets, err := h.verification.NearbyTargets(c.Request.Context(), center, radius)
	if err != nil {
		h.logger.WithField("error", err).Error("Failed to load nearby targets")
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "storage_error",
			"message": "Failed to load targets",
		})
		return
	}

	// Расстояние и пеший ETA считаются на сервере, чтобы клиенту не
	// требовалась геодезия
	type targetWithDistance struct {
		*models.GeofenceTarget
		DistanceM  float64 `json:"distance_m"`
		WalkingETA string  `json:"walking_eta"`
	}

	enriched := make([]targetWithDistance, 0, len(targets))
	for _, target := range targets {
		distance := center.DistanceTo(target.Position)
		enriched = append(enriched, targetWithDistance{
			GeofenceTarget: target,
			DistanceM:      distance,
			WalkingETA:     presence.FormatETA(presence.WalkingETA(distance)),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"targets": enriched,
		"count":   len(enriched),
	})
}

// GetGPSQuality обрабатывает GET /api/v1/quality?accuracy=
// Классифицирует точность GPS по текущим порогам обучателя
func (h *RESTHandler) GetGPSQuality(c *gin.Context) {
	accuracy, err := strconv.ParseFloat(c.Query("accuracy"), 64)
	if err != nil || accuracy < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_accuracy",
			"message": "accuracy parameter is required and must be a non-negative number",
		})
		return
	}

	cfg := h.verification.CurrentThresholds()

	c.JSON(http.StatusOK, gin.H{
		"accuracy_m": accuracy,
		"quality":    presence.GPSQuality(accuracy, cfg),
	})
}

// ==================== Admin handlers ====================

// UnblockUser обрабатывает POST /api/v1/admin/unblock/:user_id
func (h *RESTHandler) UnblockUser(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_user_id",
			"message": "user_id is required",
		})
		return
	}

	if err := h.verification.UnblockUser(c.Request.Context(), userID); err != nil {
		h.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"error":   err,
		}).Error("Failed to unblock user")
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "storage_error",
			"message": "Failed to unblock user",
		})
		return
	}

	h.logger.WithField("user_id", userID).Info("User unblocked by admin")
	c.JSON(http.StatusOK, gin.H{"status": "unblocked", "user_id": userID})
}

// ClearUserHistory обрабатывает DELETE /api/v1/admin/history/:user_id
func (h *RESTHandler) ClearUserHistory(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_user_id",
			"message": "user_id is required",
		})
		return
	}

	if err := h.verification.ClearUserHistory(c.Request.Context(), userID); err != nil {
		h.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"error":   err,
		}).Error("Failed to clear user history")
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "storage_error",
			"message": "Failed to clear history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cleared", "user_id": userID})
}

// GetUserRisk обрабатывает GET /api/v1/admin/risk/:user_id
func (h *RESTHandler) GetUserRisk(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "invalid_user_id",
			"message": "user_id is required",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":    userID,
		"risk_score": h.verification.UserRiskScore(c.Request.Context(), userID),
	})
}

// GetFraudStats обрабатывает GET /api/v1/admin/fraud/stats
func (h *RESTHandler) GetFraudStats(c *gin.Context) {
	stats, err := h.verification.FraudStatistics(c.Request.Context())
	if err != nil {
		h.logger.WithField("error", err).Error("Failed to collect fraud statistics")
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "storage_error",
			"message": "Failed to collect statistics",
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetLearnerStats обрабатывает GET /api/v1/admin/learner/stats
func (h *RESTHandler) GetLearnerStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.verification.LearnerStatistics())
}

// OptimizeThresholds обрабатывает POST /api/v1/admin/learner/optimize
// Принудительный запуск оптимизации вне обычного расписания
func (h *RESTHandler) OptimizeThresholds(c *gin.Context) {
	h.verification.OptimizeThresholds()

	c.JSON(http.StatusOK, gin.H{
		"status":     "optimized",
		"thresholds": h.verification.CurrentThresholds(),
	})
}

// GetThresholds обрабатывает GET /api/v1/admin/thresholds
func (h *RESTHandler) GetThresholds(c *gin.Context) {
	c.JSON(http.StatusOK, h.verification.CurrentThresholds())
}
