package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Конфигурация тестового потока наблюдений
type TestConfig struct {
	BrokerURL   string
	UserIDs     []string
	PublishRate time.Duration
	MaxMessages int
	ClientID    string
	RandomSeed  int64
	StartLat    float64
	StartLon    float64
	Accuracy    float64
	Spoofers    int // Сколько пользователей симулируют подмену GPS
}

// FixPublisher публикует синтетические GPS наблюдения
type FixPublisher struct {
	client mqtt.Client
	config *TestConfig
	rand   *rand.Rand
	users  map[string]*UserState
}

// UserState состояние симулированного пользователя
type UserState struct {
	UserID    string
	SessionID string
	Latitude  float64
	Longitude float64
	Heading   float64 // радианы
	SpeedMps  float64
	Spoofer   bool
}

func main() {
	// Параметры командной строки
	var (
		brokerURL   = flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
		userIDsStr  = flag.String("users", "user-001,user-002,user-003", "User IDs (comma-separated)")
		rate        = flag.Duration("rate", 2*time.Second, "Publish rate per user")
		maxMessages = flag.Int("max", 0, "Max messages (0 = unlimited)")
		clientID    = flag.String("client", "geotrust-fix-publisher", "MQTT client ID")
		seed        = flag.Int64("seed", time.Now().UnixNano(), "Random seed")
		lat         = flag.Float64("lat", 55.7558, "Start latitude")
		lon         = flag.Float64("lon", 37.6173, "Start longitude")
		accuracy    = flag.Float64("accuracy", 15.0, "Base GPS accuracy, meters")
		spoofers    = flag.Int("spoofers", 0, "Number of users simulating GPS spoofing")
	)
	flag.Parse()

	config := &TestConfig{
		BrokerURL:   *brokerURL,
		UserIDs:     parseStringSlice(*userIDsStr),
		PublishRate: *rate,
		MaxMessages: *maxMessages,
		ClientID:    *clientID,
		RandomSeed:  *seed,
		StartLat:    *lat,
		StartLon:    *lon,
		Accuracy:    *accuracy,
		Spoofers:    *spoofers,
	}

	publisher, err := NewFixPublisher(config)
	if err != nil {
		log.Fatalf("Ошибка создания издателя: %v", err)
	}

	fmt.Printf("🚀 Начинаем публикацию синтетических GPS наблюдений\n")
	fmt.Printf("📡 Брокер: %s\n", config.BrokerURL)
	fmt.Printf("👤 Пользователи: %v\n", config.UserIDs)
	fmt.Printf("⏱️  Частота: %v на пользователя\n", config.PublishRate)
	fmt.Printf("🌍 Стартовая позиция: %.4f, %.4f\n", config.StartLat, config.StartLon)
	if config.Spoofers > 0 {
		fmt.Printf("🎭 Спуферы: %d\n", config.Spoofers)
	}
	if config.MaxMessages > 0 {
		fmt.Printf("🔢 Максимум сообщений: %d\n", config.MaxMessages)
	}
	fmt.Println()

	// Обработка сигналов для graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan bool)
	go func() {
		publisher.Start()
		done <- true
	}()

	select {
	case <-sigChan:
		fmt.Println("\n⏹️  Получен сигнал завершения...")
		publisher.Stop()
	case <-done:
		fmt.Println("\n✅ Публикация завершена")
	}
}

// NewFixPublisher создает новый издатель наблюдений
func NewFixPublisher(config *TestConfig) (*FixPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.BrokerURL)
	opts.SetClientID(config.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("ошибка подключения к MQTT брокеру: %w", token.Error())
	}

	fmt.Println("✅ Подключен к MQTT брокеру")

	rng := rand.New(rand.NewSource(config.RandomSeed))
	users := make(map[string]*UserState)

	for i, userID := range config.UserIDs {
		users[userID] = &UserState{
			UserID:    userID,
			SessionID: fmt.Sprintf("session-%s-%d", userID, config.RandomSeed%100000),
			Latitude:  config.StartLat + rng.Float64()*0.01 - 0.005,
			Longitude: config.StartLon + rng.Float64()*0.01 - 0.005,
			Heading:   rng.Float64() * 2 * math.Pi,
			SpeedMps:  0.8 + rng.Float64()*0.8, // Пешеход: 0.8-1.6 м/с
			Spoofer:   i < config.Spoofers,
		}
	}

	return &FixPublisher{
		client: client,
		config: config,
		rand:   rng,
		users:  users,
	}, nil
}

// Start запускает публикацию наблюдений
func (p *FixPublisher) Start() {
	messageCount := 0
	ticker := time.NewTicker(p.config.PublishRate)
	defer ticker.Stop()

	for range ticker.C {
		for _, user := range p.users {
			p.updateUserState(user)

			if err := p.publishFix(user); err != nil {
				log.Printf("❌ Ошибка публикации: %v", err)
				continue
			}

			messageCount++
			if messageCount%50 == 0 {
				fmt.Printf("📤 Опубликовано наблюдений: %d\n", messageCount)
			}

			if p.config.MaxMessages > 0 && messageCount >= p.config.MaxMessages {
				fmt.Printf("🏁 Достигнут лимит сообщений: %d\n", messageCount)
				return
			}
		}
	}
}

// Stop останавливает издателя
func (p *FixPublisher) Stop() {
	if p.client.IsConnected() {
		p.client.Disconnect(1000)
		fmt.Println("🔌 Отключен от MQTT брокера")
	}
}

// updateUserState симулирует перемещение пользователя. Обычные
// пользователи идут пешком с плавной сменой курса, спуферы изредка
// телепортируются на километры, чтобы проверить детектор.
func (p *FixPublisher) updateUserState(user *UserState) {
	if user.Spoofer && p.rand.Float64() < 0.1 {
		// Телепорт на 2-10 км в случайном направлении
		jumpM := 2000 + p.rand.Float64()*8000
		angle := p.rand.Float64() * 2 * math.Pi
		user.Latitude += jumpM * math.Cos(angle) / 111111.0
		user.Longitude += jumpM * math.Sin(angle) / (111111.0 * math.Cos(user.Latitude*math.Pi/180))
		return
	}

	dt := p.config.PublishRate.Seconds()
	distance := user.SpeedMps * dt

	user.Latitude += distance * math.Cos(user.Heading) / 111111.0
	user.Longitude += distance * math.Sin(user.Heading) / (111111.0 * math.Cos(user.Latitude*math.Pi/180))

	// Плавная смена курса
	if p.rand.Float64() < 0.3 {
		user.Heading += (p.rand.Float64() - 0.5) * math.Pi / 4
	}
}

// publishFix публикует одно наблюдение в топик geotrust/fix/{user_id}
func (p *FixPublisher) publishFix(user *UserState) error {
	topic := fmt.Sprintf("geotrust/fix/%s", user.UserID)

	accuracy := p.config.Accuracy * (0.5 + p.rand.Float64())
	if user.Spoofer && p.rand.Float64() < 0.2 {
		// Неправдоподобно точный фикс, типично для mock-провайдеров
		accuracy = 0.5
	}

	payload, err := json.Marshal(map[string]interface{}{
		"session_id": user.SessionID,
		"lat":        user.Latitude,
		"lon":        user.Longitude,
		"accuracy_m": accuracy,
		"timestamp":  time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}

	token := p.client.Publish(topic, 1, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("ошибка публикации в топик %s: %w", topic, token.Error())
	}

	return nil
}

func parseStringSlice(s string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
