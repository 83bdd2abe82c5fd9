package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Варианты хранилища
const (
	BackendPostgres = "postgres"
	BackendGorm     = "gorm"
	BackendREST     = "rest"
	BackendSupabase = "supabase"
	BackendMemory   = "memory"
)

// Config содержит все конфигурационные параметры приложения
type Config struct {
	Telegram TelegramConfig
	Storage  StorageConfig
	Database DatabaseConfig
	RestAPI  RestAPIConfig
	Supabase SupabaseConfig
	App      AppConfig
}

// TelegramConfig содержит настройки Telegram бота
type TelegramConfig struct {
	BotToken string
	Debug    bool
}

// StorageConfig выбирает вариант хранилища
type StorageConfig struct {
	Backend string
}

type DatabaseConfig struct {
	URL              string // DATABASE_URL, если задан, имеет приоритет над остальными полями
	Host             string
	Port             int
	User             string
	Password         string
	Name             string
	SSLMode          string
	MaxConns         int32
	MinConns         int32
	ReconcileOnStart bool
}

// RestAPIConfig содержит настройки REST-прокси к БД
type RestAPIConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// SupabaseConfig содержит настройки Supabase
type SupabaseConfig struct {
	URL            string
	AnonKey        string
	ServiceRoleKey string
	Timeout        time.Duration
	CASRetries     int
}

type AppConfig struct {
	Env           string
	LogLevel      string
	Port          int
	AuditInterval time.Duration
}

// Load загружает конфигурацию из переменных окружения и .env
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	// Telegram
	cfg.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.Telegram.Debug = getEnvBoolDefault("TELEGRAM_DEBUG", false)

	// Storage
	cfg.Storage.Backend = strings.ToLower(getEnvDefault("STORAGE_BACKEND", BackendPostgres))

	// Database
	cfg.Database.URL = os.Getenv("DATABASE_URL")
	cfg.Database.Host = getEnvDefault("DB_HOST", "localhost")
	cfg.Database.Port = getEnvIntDefault("DB_PORT", 5432)
	cfg.Database.User = os.Getenv("DB_USER")
	cfg.Database.Password = os.Getenv("DB_PASSWORD")
	cfg.Database.Name = os.Getenv("DB_NAME")
	cfg.Database.SSLMode = getEnvDefault("DB_SSL_MODE", "disable")
	cfg.Database.MaxConns = int32(getEnvIntDefault("DB_MAX_CONNS", 10))
	cfg.Database.MinConns = int32(getEnvIntDefault("DB_MIN_CONNS", 1))
	cfg.Database.ReconcileOnStart = getEnvBoolDefault("DB_RECONCILE_ON_START", true)

	// REST API
	cfg.RestAPI.BaseURL = strings.TrimRight(getEnvDefault("API_BASE_URL", "http://localhost:3001"), "/")
	cfg.RestAPI.APIKey = os.Getenv("DB_API_KEY")
	cfg.RestAPI.Timeout = getEnvDurationDefault("API_TIMEOUT", 10*time.Second)

	// Supabase
	cfg.Supabase.URL = strings.TrimRight(os.Getenv("SUPABASE_URL"), "/")
	cfg.Supabase.AnonKey = os.Getenv("SUPABASE_KEY")
	cfg.Supabase.ServiceRoleKey = os.Getenv("SUPABASE_SERVICE_ROLE_KEY")
	cfg.Supabase.Timeout = getEnvDurationDefault("SUPABASE_TIMEOUT", 10*time.Second)
	cfg.Supabase.CASRetries = getEnvIntDefault("SUPABASE_CAS_RETRIES", 5)

	// App
	cfg.App.Env = getEnvDefault("APP_ENV", "development")
	cfg.App.LogLevel = getEnvDefault("LOG_LEVEL", "info")
	cfg.App.Port = getEnvIntDefault("APP_PORT", 8080)
	cfg.App.AuditInterval = getEnvDurationDefault("AUDIT_INTERVAL", time.Hour)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("ошибка валидации конфигурации: %w", err)
	}

	return cfg, nil
}

func getEnvDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getEnvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getEnvBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDurationDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// validateConfig проверяет корректность конфигурации
func validateConfig(config *Config) error {
	if config.Telegram.BotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN не установлен")
	}
	return config.ValidateStorage()
}

// ValidateStorage проверяет настройки выбранного хранилища.
// CLI вызывает его отдельно, токен бота ему не нужен.
func (c *Config) ValidateStorage() error {
	switch c.Storage.Backend {
	case BackendPostgres, BackendGorm:
		if c.Database.URL != "" {
			return nil
		}
		if c.Database.Host == "" {
			return fmt.Errorf("DB_HOST не установлен")
		}
		if c.Database.User == "" {
			return fmt.Errorf("DB_USER не установлен")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD не установлен")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("DB_NAME не установлен")
		}
		if c.Database.MaxConns < 1 {
			return fmt.Errorf("DB_MAX_CONNS должен быть больше нуля")
		}
	case BackendREST:
		if c.RestAPI.BaseURL == "" {
			return fmt.Errorf("API_BASE_URL не установлен")
		}
	case BackendSupabase:
		if c.Supabase.URL == "" {
			return fmt.Errorf("SUPABASE_URL не установлен")
		}
		if c.Supabase.ServiceRoleKey == "" && c.Supabase.AnonKey == "" {
			return fmt.Errorf("SUPABASE_SERVICE_ROLE_KEY или SUPABASE_KEY не установлен")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("поддерживаются только STORAGE_BACKEND: postgres, gorm, rest, supabase, memory")
	}
	return nil
}

// LoadForCLI загружает конфигурацию без проверки токена бота
func LoadForCLI() (*Config, error) {
	_ = godotenv.Load()
	_ = os.Setenv("TELEGRAM_BOT_TOKEN", getEnvDefault("TELEGRAM_BOT_TOKEN", "cli"))
	return Load()
}

// GetDSN возвращает строку подключения к базе данных
func (c *DatabaseConfig) GetDSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// ServiceKey возвращает ключ для запросов к Supabase: service role, иначе anon
func (c *SupabaseConfig) ServiceKey() string {
	if c.ServiceRoleKey != "" {
		return c.ServiceRoleKey
	}
	return c.AnonKey
}

// IsDevelopment проверяет, запущено ли приложение в режиме разработки
func (c *AppConfig) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction проверяет, запущено ли приложение в продакшн режиме
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}

// GetLogLevel возвращает уровень логирования в формате zap
func (c *AppConfig) GetLogLevel() zap.AtomicLevel {
	switch c.LogLevel {
	case "debug":
		return zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
}
