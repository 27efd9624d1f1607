package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/geotrust/presence-backend/internal/models"
)

// fixPayload JSON-пакет наблюдения от мобильного клиента.
// Временная метка в миллисекундах Unix, как отдает платформенный location API.
type fixPayload struct {
	SessionID string  `json:"session_id"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Accuracy  float64 `json:"accuracy_m"`
	Timestamp int64   `json:"timestamp"`
}

// Parser разбирает MQTT сообщения с наблюдениями
type Parser struct {
	logger *logrus.Logger
}

// NewParser создает новый парсер
func NewParser(logger *logrus.Logger) *Parser {
	return &Parser{logger: logger}
}

// Parse разбирает payload топика geotrust/fix/{user_id} в наблюдение.
// Возвращает ошибку для некорректных пакетов: они считаются и отбрасываются
// вызывающим, но никогда не фатальны.
func (p *Parser) Parse(topic string, payload []byte) (*models.PositionFix, error) {
	userID := userIDFromTopic(topic)
	if userID == "" {
		return nil, fmt.Errorf("cannot extract user id from topic: %s", topic)
	}

	var raw fixPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("invalid fix payload: %w", err)
	}

	if raw.Timestamp <= 0 {
		return nil, fmt.Errorf("invalid timestamp: %d", raw.Timestamp)
	}

	fix := &models.PositionFix{
		UserID:    userID,
		SessionID: raw.SessionID,
		Position: models.GeoPoint{
			Latitude:  raw.Latitude,
			Longitude: raw.Longitude,
		},
		Accuracy:  raw.Accuracy,
		Timestamp: time.UnixMilli(raw.Timestamp),
	}

	if err := fix.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fix: %w", err)
	}

	return fix, nil
}

// userIDFromTopic извлекает ID пользователя из последнего сегмента топика
func userIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-1]
}
