package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
)

// Config корневая структура конфигурации control plane.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Database DatabaseConfig `mapstructure:"database"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Audit    AuditConfig    `mapstructure:"audit"`
	RBAC     RBACConfig     `mapstructure:"rbac"`
	Console  ConsoleConfig  `mapstructure:"console"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr адрес для http.Server
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type GRPCConfig struct {
	Port int `mapstructure:"port"`
}

type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// SQLiteConfig встроенный ledger для одиночной инсталляции
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub, блокировки, лента аудита).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	Enabled        bool          `mapstructure:"enabled"` // требовать токен на /v1/process
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // Только для Console API
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	PublicKey      []byte
	PrivateKey     []byte
}

// EngineConfig специфичные настройки шлюза UAG.
type EngineConfig struct {
	ContractsPath     string        `mapstructure:"contracts_path"`
	CapabilityTimeout time.Duration `mapstructure:"capability_timeout"`
	AuditTimeout      time.Duration `mapstructure:"audit_timeout"` // запись брошенной попытки после отмены ctx
	UILockTTL         time.Duration `mapstructure:"ui_lock_ttl"`
	SandboxAgents     []string      `mapstructure:"sandbox_agents"` // прогрев множества песочницы при старте

	// Внешний коннектор исполнения. Пусто = MockSystemsConnector.
	ConnectorAddr string `mapstructure:"connector_addr"`

	// Настройки Circuit Breaker и лимитера для коннекторов
	CBMaxRequests int           `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst"`
	RetryAttempts uint          `mapstructure:"retry_attempts"`
}

// PolicyConfig источник правил и поведение по умолчанию
type PolicyConfig struct {
	RulesPath       string `mapstructure:"rules_path"`
	DefaultDecision string `mapstructure:"default_decision"` // ALLOW (fail-open) | DENY (fail-closed)
	HotReload       bool   `mapstructure:"hot_reload"`
}

// AuditConfig выбор бэкенда ledger и параметры живой ленты
type AuditConfig struct {
	Backend           string        `mapstructure:"backend"` // memory | postgres | sqlite
	FeedEnabled       bool          `mapstructure:"feed_enabled"`
	FeedBufferSize    int           `mapstructure:"feed_buffer_size"`
	FeedFlushInterval time.Duration `mapstructure:"feed_flush_interval"`
}

// RBACConfig роли (набор разрешенных action/intent) и привязка вызывающих к ролям.
// Списки вместо map: viper приводит ключи map к нижнему регистру.
type RBACConfig struct {
	DefaultRole string          `mapstructure:"default_role"`
	Roles       []RoleConfig    `mapstructure:"roles"`
	Callers     []CallerBinding `mapstructure:"callers"`
}

type RoleConfig struct {
	Name    string   `mapstructure:"name"`
	Intents []string `mapstructure:"intents"`
}

type CallerBinding struct {
	ID   string `mapstructure:"id"`
	Role string `mapstructure:"role"`
}

type ConsoleConfig struct {
	Port      int           `mapstructure:"port"`
	UserStore string        `mapstructure:"user_store"` // config | postgres
	Users     []domain.User `mapstructure:"users"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// path может быть пустым, тогда config.yaml ищется в "." и "./configs".
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. ENV перекрывает файл: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет, работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// 6. Ключи из ENV (Docker/K8s) или из файла по пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("grpc.port", 50052)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("sqlite.path", "data/audit.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("engine.contracts_path", "configs/capabilities.yaml")
	v.SetDefault("engine.capability_timeout", 5*time.Second)
	v.SetDefault("engine.audit_timeout", 3*time.Second)
	v.SetDefault("engine.ui_lock_ttl", 30*time.Second)
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 5*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
	v.SetDefault("engine.rate_limit", 100)
	v.SetDefault("engine.rate_burst", 20)
	v.SetDefault("engine.retry_attempts", 3)
	v.SetDefault("policy.rules_path", "configs/policy.yaml")
	v.SetDefault("policy.default_decision", string(domain.DecisionAllow))
	v.SetDefault("audit.backend", "memory")
	v.SetDefault("audit.feed_buffer_size", 10000)
	v.SetDefault("audit.feed_flush_interval", 500*time.Millisecond)
	v.SetDefault("rbac.default_role", "")
	v.SetDefault("console.port", 8000)
	v.SetDefault("console.user_store", "config")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

func (c *Config) validate() error {
	switch c.Audit.Backend {
	case "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unknown audit.backend %q: %w", c.Audit.Backend, domain.ErrConfig)
	}
	if c.Audit.Backend == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("config: database.url is required for postgres backend: %w", domain.ErrConfig)
	}
	switch c.Console.UserStore {
	case "config", "postgres":
	default:
		return fmt.Errorf("config: unknown console.user_store %q: %w", c.Console.UserStore, domain.ErrConfig)
	}
	d := domain.Decision(strings.ToUpper(c.Policy.DefaultDecision))
	if d != domain.DecisionAllow && d != domain.DecisionDeny {
		return fmt.Errorf("config: policy.default_decision must be ALLOW or DENY: %w", domain.ErrConfig)
	}
	c.Policy.DefaultDecision = string(d)
	return nil
}

// loadKeyResource ключ из ENV (PEM целиком) или из файла по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
