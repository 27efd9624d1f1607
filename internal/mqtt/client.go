package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/geotrust/presence-backend/internal/config"
	"github.com/geotrust/presence-backend/internal/metrics"
	"github.com/geotrust/presence-backend/internal/models"
	"github.com/geotrust/presence-backend/pkg/pool"
)

const (
	ingestWorkers   = 8
	ingestQueueSize = 256
)

// FixHandler функция обработки входящих наблюдений
type FixHandler func(fix *models.PositionFix) error

// Client MQTT клиент для приема потока наблюдений от мобильных клиентов
type Client struct {
	client    mqtt.Client
	config    *config.MQTTConfig
	logger    *logrus.Logger
	parser    *Parser
	handler   FixHandler
	workers   *pool.WorkerPool
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	mu        sync.RWMutex
}

// NewClient создает новый MQTT клиент
func NewClient(cfg *config.MQTTConfig, logger *logrus.Logger, handler FixHandler) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		config:  cfg,
		logger:  logger,
		parser:  NewParser(logger),
		handler: handler,
		workers: pool.New(ingestWorkers, ingestQueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetOrderMatters(cfg.OrderMatters)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	// Callback при подключении
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()

		c.logger.WithField("broker", cfg.URL).Info("Connected to MQTT broker")
		metrics.MQTTConnectionStatus.Set(1)

		// Подписка на топик после подключения
		if token := client.Subscribe(cfg.FixTopic, 1, c.messageHandler()); token.Wait() && token.Error() != nil {
			c.logger.WithFields(logrus.Fields{
				"topic": cfg.FixTopic,
				"error": token.Error(),
			}).Error("Failed to subscribe to fix topic")
		} else {
			c.logger.WithField("topic", cfg.FixTopic).Info("Subscribed to MQTT fix topic")
		}
	})

	// Callback при потере соединения
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		c.logger.WithField("error", err).Warn("Lost connection to MQTT broker")
		metrics.MQTTConnectionStatus.Set(0)
	})

	c.client = mqtt.NewClient(opts)

	return c, nil
}

// Connect подключается к MQTT брокеру
func (c *Client) Connect() error {
	c.logger.WithField("broker", c.config.URL).Info("Connecting to MQTT broker")

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	// Ждем подтверждения подключения
	timeout := time.After(10 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return fmt.Errorf("connection timeout")
		case <-ticker.C:
			c.mu.RLock()
			connected := c.connected
			c.mu.RUnlock()

			if connected {
				return nil
			}
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
}

// Disconnect отключается от MQTT брокера
func (c *Client) Disconnect() {
	c.logger.Info("Disconnecting from MQTT broker")

	c.cancel()

	if c.client.IsConnected() {
		c.client.Disconnect(1000) // 1 секунда на graceful disconnect
	}

	c.workers.Stop()
	c.logger.Info("MQTT client disconnected")
}

// IsConnected проверяет статус подключения
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// messageHandler создает обработчик MQTT сообщений. Обработка уходит
// в пул воркеров: при переполнении очереди сообщение отбрасывается,
// чтобы не копить отставание от брокера.
func (c *Client) messageHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		topic := msg.Topic()
		payload := msg.Payload()

		submitted := c.workers.TrySubmit(func() {
			fix, err := c.parser.Parse(topic, payload)
			if err != nil {
				c.logger.WithFields(logrus.Fields{
					"topic":        topic,
					"error":        err,
					"payload_size": len(payload),
				}).Warn("Dropping malformed fix message")
				metrics.MQTTParseErrors.Inc()
				return
			}

			metrics.MQTTMessagesReceived.Inc()

			if c.handler == nil {
				c.logger.WithField("topic", topic).Warn("Fix handler is nil")
				return
			}

			if err := c.handler(fix); err != nil {
				c.logger.WithFields(logrus.Fields{
					"topic":   topic,
					"user_id": fix.UserID,
					"error":   err,
				}).Error("Fix handler failed")
				return
			}

			c.logger.WithFields(logrus.Fields{
				"topic":   topic,
				"user_id": fix.UserID,
			}).Debug("Fix processed")
		})

		if !submitted {
			c.logger.WithFields(logrus.Fields{
				"topic":   topic,
				"dropped": c.workers.Dropped(),
			}).Warn("Ingest queue full, dropping fix message")
		}
	}
}
