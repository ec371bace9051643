package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации реле.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// Лимитер на поверхности приема событий (запросов/сек и burst)
	IngestRate  float64 `mapstructure:"ingest_rate"`
	IngestBurst int     `mapstructure:"ingest_burst"`
}

// RelayConfig содержит настройки буферизации и планировщика флашей.
type RelayConfig struct {
	FlushInterval  time.Duration `mapstructure:"flush_interval"`  // автоматический флаш по таймеру
	BatchThreshold int           `mapstructure:"batch_threshold"` // немедленный флаш при накоплении
	MaxAttempts    int           `mapstructure:"max_attempts"`    // потолок авторетраев флаша
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"` // выселение простаивающих сессий
	MaxIssues      int           `mapstructure:"max_issues"`  // кап списка FlushIssue на сессию
	MaxForwards    int           `mapstructure:"max_forwards"`
}

// ProxyConfig описывает проброс на upstream data-plane.
type ProxyConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Endpoint       string        `mapstructure:"endpoint"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`

	// Настройки Circuit Breaker вокруг upstream-а
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
}

// LedgerConfig ограничивает глобальный реестр перехвата.
type LedgerConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
}

// BroadcastConfig ограничивает кольцевой буфер уведомлений.
type BroadcastConfig struct {
	MaxEntries int           `mapstructure:"max_entries"`
	Retention  time.Duration `mapstructure:"retention"`
}

// ArchiveConfig — опциональный архив перехваченных событий в Postgres.
// Пустой URL означает «архив выключен».
type ArchiveConfig struct {
	URL           string        `mapstructure:"url"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// AuthConfig защищает debug/admin-поверхность.
type AuthConfig struct {
	// bcrypt-хэш пароля оператора; пустой хэш отключает выдачу токенов
	AdminPasswordHash string        `mapstructure:"admin_password_hash"`
	TokenSecret       string        `mapstructure:"token_secret"`
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Секреты можно передать напрямую через ENV (для Docker/K8s)
	if s := os.Getenv("AUTH_TOKEN_SECRET"); s != "" {
		cfg.Auth.TokenSecret = s
	}
	if h := os.Getenv("AUTH_ADMIN_PASSWORD_HASH"); h != "" {
		cfg.Auth.AdminPasswordHash = h
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.ingest_rate", 100.0)
	v.SetDefault("server.ingest_burst", 20)

	v.SetDefault("relay.flush_interval", 10*time.Second)
	v.SetDefault("relay.batch_threshold", 20)
	v.SetDefault("relay.max_attempts", 3)
	v.SetDefault("relay.retry_base_delay", 1*time.Second)
	v.SetDefault("relay.session_ttl", 30*time.Minute)
	v.SetDefault("relay.max_issues", 50)
	v.SetDefault("relay.max_forwards", 20)

	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.endpoint", "https://api.segment.io/v1")
	v.SetDefault("proxy.request_timeout", 10*time.Second)
	v.SetDefault("proxy.max_attempts", 3)
	v.SetDefault("proxy.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("proxy.cb_max_requests", 3)
	v.SetDefault("proxy.cb_interval", 5*time.Second)
	v.SetDefault("proxy.cb_timeout", 30*time.Second)

	v.SetDefault("ledger.max_entries", 1000)

	v.SetDefault("broadcast.max_entries", 500)
	v.SetDefault("broadcast.retention", 1*time.Hour)

	v.SetDefault("archive.buffer_size", 10000)
	v.SetDefault("archive.batch_size", 100)
	v.SetDefault("archive.flush_interval", 500*time.Millisecond)

	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}
