package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/geotrust/presence-backend/internal/metrics"
	"github.com/geotrust/presence-backend/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 64
)

// WebSocketHandler транслирует решения верификации подписчикам в реальном
// времени (операторские дашборды, антифрод-мониторинг)
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	logger   *logrus.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

// wsClient одно WebSocket соединение
type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	handler *WebSocketHandler

	// Опциональный фильтр: только решения по конкретному пользователю
	userID string
}

// NewWebSocketHandler создает новый WebSocket handler
func NewWebSocketHandler(logger *logrus.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: Добавить проверку Origin для production
				return true
			},
		},
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// HandleWebSocket обрабатывает подключение подписчика на поток решений
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithField("error", err).Error("Failed to upgrade to WebSocket")
		return
	}

	client := &wsClient{
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		handler: h,
		userID:  c.Query("user_id"),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	metrics.WebSocketConnections.Inc()

	h.logger.WithFields(logrus.Fields{
		"client_ip": c.ClientIP(),
		"user_id":   client.userID,
		"clients":   count,
	}).Info("WebSocket decision subscriber connected")

	go client.writePump()
	go client.readPump()
}

// BroadcastDecision рассылает решение всем подписчикам. Не блокирует:
// медленный клиент теряет сообщения вместо того, чтобы тормозить конвейер.
func (h *WebSocketHandler) BroadcastDecision(decision *service.VerificationDecision) {
	data, err := json.Marshal(decision)
	if err != nil {
		h.logger.WithField("error", err).Error("Failed to marshal decision for broadcast")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.userID != "" && client.userID != decision.UserID {
			continue
		}

		select {
		case client.send <- data:
			metrics.WebSocketMessagesOut.WithLabelValues("decision").Inc()
		default:
			metrics.WebSocketErrors.Inc()
		}
	}
}

// Close закрывает все активные соединения
func (h *WebSocketHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// unregister удаляет клиента из списка активных
func (h *WebSocketHandler) unregister(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// readPump читает входящие сообщения. Клиенты ничего не шлют кроме
// pong, но чтение необходимо для обработки close frame.
func (c *wsClient) readPump() {
	defer func() {
		c.handler.unregister(c)
		c.conn.Close()
		metrics.WebSocketConnections.Dec()
		c.handler.logger.Debug("WebSocket decision subscriber disconnected")
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.handler.logger.WithField("error", err).Warn("WebSocket read error")
			}
			return
		}
	}
}

// writePump отправляет сообщения клиенту и поддерживает heartbeat
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				metrics.WebSocketErrors.Inc()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			metrics.WebSocketMessagesOut.WithLabelValues("ping").Inc()
		}
	}
}
