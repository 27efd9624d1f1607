// Package service собирает ядро верификации в один конвейер: сырое
// наблюдение проходит детектор подмены и сглаживание, сглаженная позиция
// проверяется против геозон с порогами обучателя, а исходы возвращаются
// обучателю, замыкая цикл.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/geotrust/presence-backend/internal/fraud"
	"github.com/geotrust/presence-backend/internal/learner"
	"github.com/geotrust/presence-backend/internal/metrics"
	"github.com/geotrust/presence-backend/internal/models"
	"github.com/geotrust/presence-backend/internal/presence"
	"github.com/geotrust/presence-backend/internal/smoother"
	"github.com/geotrust/presence-backend/internal/storage"
)

// VerifyRequest запрос верификации присутствия
type VerifyRequest struct {
	UserID        string             `json:"user_id"`
	SessionID     string             `json:"session_id,omitempty"`
	Fix           models.PositionFix `json:"fix"`
	TargetIDs     []string           `json:"target_ids,omitempty"`
	SearchRadiusM float64            `json:"search_radius_m,omitempty"`
}

// OutcomeRequest зафиксированный исход решения: удалось ли пользователю
// реально подтвердить присутствие (погашение награды и т.п.)
type OutcomeRequest struct {
	StoreID    string          `json:"store_id"`
	Accuracy   float64         `json:"accuracy"`
	Confidence float64         `json:"confidence"`
	Success    bool            `json:"success"`
	Timestamp  time.Time       `json:"timestamp"`
	Position   models.GeoPoint `json:"position"`
}

// VerificationDecision итоговое решение по одному наблюдению
type VerificationDecision struct {
	SessionID string                    `json:"session_id"`
	UserID    string                    `json:"user_id"`
	Position  models.FilteredPosition   `json:"position"`
	Anomaly   models.AnomalyScore       `json:"anomaly"`
	Results   []models.ValidationResult `json:"results"`
	Status    models.ValidationStatus   `json:"status"`
	Timestamp time.Time                 `json:"timestamp"`
}

// DecisionSink получатель решений для трансляции (WebSocket и т.п.).
// Не должен блокировать.
type DecisionSink func(*VerificationDecision)

// session сглаживание одной сессии. Smoother не потокобезопасен,
// доступ сериализуется мьютексом сессии.
type session struct {
	mu       sync.Mutex
	sm       *smoother.Smoother
	userID   string
	lastUsed time.Time
}

// VerificationService оркестратор ядра верификации
type VerificationService struct {
	mu       sync.RWMutex
	sessions map[string]*session

	fraud        *fraud.Detector
	learner      *learner.Learner
	targets      storage.TargetRepository
	learnerStore storage.LearnerStore
	logger       *logrus.Logger

	sessionTTL      time.Duration
	defaultRadiusM  float64
	maxRadiusM      float64

	sinkMu sync.RWMutex
	sink   DecisionSink
}

// NewVerificationService создает оркестратор поверх готовых компонентов
func NewVerificationService(
	detector *fraud.Detector,
	thresholdLearner *learner.Learner,
	targets storage.TargetRepository,
	learnerStore storage.LearnerStore,
	sessionTTL time.Duration,
	defaultRadiusM, maxRadiusM float64,
	logger *logrus.Logger,
) *VerificationService {
	return &VerificationService{
		sessions:       make(map[string]*session),
		fraud:          detector,
		learner:        thresholdLearner,
		targets:        targets,
		learnerStore:   learnerStore,
		logger:         logger,
		sessionTTL:     sessionTTL,
		defaultRadiusM: defaultRadiusM,
		maxRadiusM:     maxRadiusM,
	}
}

// SetDecisionSink подключает получателя решений
func (s *VerificationService) SetDecisionSink(sink DecisionSink) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	s.sink = sink
}

// VerifyPresence выполняет полный конвейер верификации одного наблюдения
func (s *VerificationService) VerifyPresence(ctx context.Context, req *VerifyRequest) (*VerificationDecision, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	fix := req.Fix
	fix.UserID = req.UserID
	if err := fix.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fix: %w", err)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	fix.SessionID = sessionID

	// Детектор работает по сырому потоку, параллельно сглаживанию
	anomaly := s.fraud.DetectSpoofing(ctx, fix)

	filtered := s.smooth(sessionID, req.UserID, fix)
	metrics.ValidationConfidence.Observe(float64(filtered.Confidence))

	decision := &VerificationDecision{
		SessionID: sessionID,
		UserID:    req.UserID,
		Position:  filtered,
		Anomaly:   anomaly,
		Timestamp: fix.Timestamp,
	}

	targets, err := s.resolveTargets(ctx, req, fix.Position)
	if err != nil {
		return nil, err
	}

	if anomaly.ShouldBlock {
		// Критическая аномалия перекрывает проверку геозон
		for _, target := range targets {
			decision.Results = append(decision.Results, models.ValidationResult{
				TargetID:       target.ID,
				Status:         models.StatusBlock,
				DistanceM:      -1,
				Confidence:     filtered.Confidence,
				Recommendation: "Location could not be verified, please try again",
			})
		}
		decision.Status = models.StatusBlock
		metrics.ValidationsTotal.WithLabelValues(string(models.StatusBlock)).Inc()
		s.broadcast(decision)
		return decision, nil
	}

	hour := fix.Timestamp.Hour()
	for _, target := range targets {
		cfg := s.learner.GetOptimizedThreshold(models.ValidationContext{
			StoreID: target.ID,
			Hour:    hour,
		})
		result := presence.Validate(filtered, *target, cfg)
		decision.Results = append(decision.Results, result)
		metrics.ValidationsTotal.WithLabelValues(string(result.Status)).Inc()
	}

	decision.Status = overallStatus(decision.Results)

	s.logger.WithFields(logrus.Fields{
		"user_id":    req.UserID,
		"session_id": sessionID,
		"status":     decision.Status,
		"confidence": filtered.Confidence,
		"anomaly":    anomaly.Score,
		"targets":    len(targets),
	}).Debug("Presence verified")

	s.broadcast(decision)
	return decision, nil
}

// PreValidate проверяет набор зон без состояния сессии. Нулевая позиция
// дает warn по каждой зоне с подсказкой включить GPS.
func (s *VerificationService) PreValidate(ctx context.Context, position *models.FilteredPosition, targetIDs []string) ([]models.ValidationResult, error) {
	targets := make([]models.GeofenceTarget, 0, len(targetIDs))
	for _, id := range targetIDs {
		target, err := s.targets.GetTarget(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve target %s: %w", id, err)
		}
		targets = append(targets, *target)
	}

	return presence.PreValidateBatch(position, targets, s.learner.CurrentConfig()), nil
}

// RecordOutcome фиксирует реальный исход решения в обучателе порогов
func (s *VerificationService) RecordOutcome(ctx context.Context, outcome *OutcomeRequest) error {
	if outcome.StoreID == "" {
		return fmt.Errorf("store_id is required")
	}
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = time.Now()
	}

	s.learner.RecordValidation(models.HistoricalValidationRecord{
		Timestamp:  outcome.Timestamp,
		Hour:       outcome.Timestamp.Hour(),
		DayOfWeek:  int(outcome.Timestamp.Weekday()),
		Accuracy:   outcome.Accuracy,
		Confidence: outcome.Confidence,
		Success:    outcome.Success,
		StoreID:    outcome.StoreID,
		Position:   outcome.Position,
	})

	return nil
}

// NearbyTargets возвращает зоны в радиусе от точки
func (s *VerificationService) NearbyTargets(ctx context.Context, center models.GeoPoint, radiusM float64) ([]*models.GeofenceTarget, error) {
	if radiusM <= 0 {
		radiusM = s.defaultRadiusM
	}
	if radiusM > s.maxRadiusM {
		radiusM = s.maxRadiusM
	}
	return s.targets.GetTargetsInRadius(ctx, center, radiusM)
}

// ResetSession сбрасывает сглаживание сессии
func (s *VerificationService) ResetSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		sess.mu.Lock()
		sess.sm.Reset()
		sess.mu.Unlock()
	}
}

// CleanupSessions удаляет сессии, не использовавшиеся дольше TTL
func (s *VerificationService) CleanupSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.lastUsed) > s.sessionTTL {
			delete(s.sessions, id)
			removed++
		}
	}

	metrics.ActiveSessions.Set(float64(len(s.sessions)))

	if removed > 0 {
		s.logger.WithField("removed", removed).Debug("Cleaned up stale smoothing sessions")
	}
	return removed
}

// RunSessionJanitor периодически чистит устаревшие сессии до отмены контекста
func (s *VerificationService) RunSessionJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CleanupSessions()
		}
	}
}

// UnblockUser административно снимает блокировку пользователя
func (s *VerificationService) UnblockUser(ctx context.Context, userID string) error {
	return s.fraud.UnblockUser(ctx, userID)
}

// ClearUserHistory удаляет историю перемещений пользователя
func (s *VerificationService) ClearUserHistory(ctx context.Context, userID string) error {
	return s.fraud.ClearHistory(ctx, userID)
}

// UserRiskScore возвращает накопленный риск пользователя
func (s *VerificationService) UserRiskScore(ctx context.Context, userID string) int {
	return s.fraud.GetUserRiskScore(ctx, userID)
}

// FraudStatistics возвращает статистику детектора
func (s *VerificationService) FraudStatistics(ctx context.Context) (storage.HistoryStats, error) {
	return s.fraud.GetStatistics(ctx)
}

// LearnerStatistics возвращает статистику обучателя
func (s *VerificationService) LearnerStatistics() learner.Stats {
	return s.learner.GetStatistics()
}

// OptimizeThresholds принудительно запускает оптимизацию порогов
func (s *VerificationService) OptimizeThresholds() {
	s.learner.OptimizeThresholds()
}

// CurrentThresholds возвращает глобальную конфигурацию порогов
func (s *VerificationService) CurrentThresholds() models.ThresholdConfig {
	return s.learner.CurrentConfig()
}

// PersistLearnerState сохраняет состояние обучателя в хранилище
func (s *VerificationService) PersistLearnerState(ctx context.Context) error {
	data, err := s.learner.ExportJSON()
	if err != nil {
		return fmt.Errorf("failed to export learner state: %w", err)
	}
	if err := s.learnerStore.SaveLearnerState(ctx, data); err != nil {
		return fmt.Errorf("failed to persist learner state: %w", err)
	}
	s.logger.WithField("bytes", len(data)).Debug("Learner state persisted")
	return nil
}

// RestoreLearnerState загружает состояние обучателя из хранилища,
// отсутствие сохраненного состояния не является ошибкой
func (s *VerificationService) RestoreLearnerState(ctx context.Context) error {
	data, err := s.learnerStore.LoadLearnerState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load learner state: %w", err)
	}
	if data == nil {
		s.logger.Info("No persisted learner state, starting cold")
		return nil
	}
	if err := s.learner.ImportJSON(data); err != nil {
		return fmt.Errorf("failed to import learner state: %w", err)
	}
	s.logger.Info("Learner state restored")
	return nil
}

// RunLearnerPersistence периодически сохраняет состояние обучателя
func (s *VerificationService) RunLearnerPersistence(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.PersistLearnerState(ctx); err != nil {
				s.logger.WithField("error", err).Warn("Periodic learner persistence failed")
			}
		}
	}
}

// smooth прогоняет наблюдение через фильтр сессии
func (s *VerificationService) smooth(sessionID, userID string, fix models.PositionFix) models.FilteredPosition {
	sess := s.getOrCreateSession(sessionID, userID)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.lastUsed = time.Now()
	return sess.sm.Update(fix)
}

func (s *VerificationService) getOrCreateSession(sessionID, userID string) *session {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		return sess
	}

	sess = &session{
		sm:       smoother.New(),
		userID:   userID,
		lastUsed: time.Now(),
	}
	s.sessions[sessionID] = sess
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	return sess
}

// resolveTargets находит зоны по идентификаторам или в радиусе от позиции
func (s *VerificationService) resolveTargets(ctx context.Context, req *VerifyRequest, center models.GeoPoint) ([]*models.GeofenceTarget, error) {
	if len(req.TargetIDs) > 0 {
		targets := make([]*models.GeofenceTarget, 0, len(req.TargetIDs))
		for _, id := range req.TargetIDs {
			target, err := s.targets.GetTarget(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve target %s: %w", id, err)
			}
			targets = append(targets, target)
		}
		return targets, nil
	}

	return s.NearbyTargets(ctx, center, req.SearchRadiusM)
}

func (s *VerificationService) broadcast(decision *VerificationDecision) {
	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()

	if sink != nil {
		sink(decision)
	}
}

// overallStatus агрегирует результаты по зонам: лучший достигнутый статус
func overallStatus(results []models.ValidationResult) models.ValidationStatus {
	status := models.StatusBlock
	for _, result := range results {
		switch result.Status {
		case models.StatusAllow:
			return models.StatusAllow
		case models.StatusWarn:
			status = models.StatusWarn
		}
	}
	if len(results) == 0 {
		return models.StatusWarn
	}
	return status
}
