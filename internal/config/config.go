package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config содержит конфигурацию для Storyteller Server.
type Config struct {
	// Настройки сервера
	Env      string `envconfig:"APP_ENV" default:"development"`
	Port     string `envconfig:"SERVER_PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Настройки PostgreSQL
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     string `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`
	DBSSLMode  string `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns int32  `envconfig:"DB_MAX_CONNECTIONS" default:"10"`

	// Настройки Redis (кэш активных сессий)
	RedisAddr       string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword   string        `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB         int           `envconfig:"REDIS_DB" default:"0"`
	SessionCacheTTL time.Duration `envconfig:"SESSION_CACHE_TTL" default:"24h"`

	// Настройки RabbitMQ
	RabbitMQURL         string `envconfig:"RABBITMQ_URL" required:"true"`
	RelocationQueueName string `envconfig:"RELOCATION_QUEUE_NAME" default:"image_relocation_tasks"`
	UpdatesQueueName    string `envconfig:"UPDATES_QUEUE_NAME" default:"client_story_updates"`

	// Настройки повествовательного API (chat completion)
	NarrativeAPIKey  string        `envconfig:"NARRATIVE_API_KEY" required:"true"`
	NarrativeBaseURL string        `envconfig:"NARRATIVE_BASE_URL" default:"https://api.openai.com/v1"`
	NarrativeModel   string        `envconfig:"NARRATIVE_MODEL" default:"gpt-4"`
	NarrativeTimeout time.Duration `envconfig:"NARRATIVE_TIMEOUT" default:"120s"`
	// Мягкий бюджет токенов диалога: при превышении пишем warning в лог,
	// запрос не блокируем
	NarrativeTokenBudget int `envconfig:"NARRATIVE_TOKEN_BUDGET" default:"6000"`

	// Настройки API генерации изображений.
	// Ключ и адрес по умолчанию наследуются от повествовательного API.
	IllustrationAPIKey      string        `envconfig:"ILLUSTRATION_API_KEY" default:""`
	IllustrationBaseURL     string        `envconfig:"ILLUSTRATION_BASE_URL" default:""`
	IllustrationModel       string        `envconfig:"ILLUSTRATION_MODEL" default:"dall-e-3"`
	IllustrationTimeout     time.Duration `envconfig:"ILLUSTRATION_TIMEOUT" default:"120s"`
	IllustrationStyleSuffix string        `envconfig:"ILLUSTRATION_STYLE_SUFFIX" default:""`

	// Настройки объектного хранилища (релокация иллюстраций)
	StorageBaseURL    string        `envconfig:"STORAGE_BASE_URL" required:"true"`
	StorageAPIKey     string        `envconfig:"STORAGE_API_KEY" required:"true"`
	StorageBucket     string        `envconfig:"STORAGE_BUCKET" default:"story-images"`
	StorageTimeout    time.Duration `envconfig:"STORAGE_TIMEOUT" default:"60s"`
	RelocationTimeout time.Duration `envconfig:"RELOCATION_TIMEOUT" default:"120s"`

	// Настройки JWT (проверка токена пользователя в middleware)
	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`

	// CORS
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
}

// GetDSN возвращает строку подключения (DSN) для PostgreSQL.
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// IllustrationCredentials возвращает ключ и адрес API иллюстраций,
// наследуя значения повествовательного API, если свои не заданы.
func (c *Config) IllustrationCredentials() (apiKey, baseURL string) {
	apiKey = c.IllustrationAPIKey
	if apiKey == "" {
		apiKey = c.NarrativeAPIKey
	}
	baseURL = c.IllustrationBaseURL
	if baseURL == "" {
		baseURL = c.NarrativeBaseURL
	}
	return apiKey, baseURL
}

// LoadConfig загружает конфигурацию из переменных окружения.
// Файл .env, если он есть, подхватывается до чтения окружения.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации storyteller-server: %w", err)
	}
	return &cfg, nil
}
