package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix — префикс переменных окружения: FLIGHTREC_SERVER_PORT перекроет server.port.
const EnvPrefix = "FLIGHTREC"

// EnvAnchorSecret — секрет оператора для MAC анкера. Только из окружения, в файлы не пишется.
const EnvAnchorSecret = "FLIGHTREC_ANCHOR_SECRET"

// Config — корневая структура конфигурации рекордера и консоли.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Recorder RecorderConfig `mapstructure:"recorder"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает HTTP и gRPC listeners консоли.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	GRPCPort     int           `mapstructure:"grpc_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`

	// Лимит запросов к API в секунду и размер всплеска
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// DatabaseConfig — PostgreSQL для выгрузки квитанций. Пустой URL — выгрузка выключена.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig — Redis для публикации анкеров. Пустой Addr — публикация выключена.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит путь к публичному RSA ключу для проверки JWT консоли.
// Без ключа API открыт.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// RecorderConfig — параметры прогона по умолчанию.
type RecorderConfig struct {
	Profile         string   `mapstructure:"profile"`
	PolicyFile      string   `mapstructure:"policy_file"`
	PolicySim       bool     `mapstructure:"policy_sim"`
	DeclaredIntents []string `mapstructure:"declared_intents"`
	Anchor          bool     `mapstructure:"anchor"`
	ExportBatchSize int      `mapstructure:"export_batch_size"`
	AnchorSecret    []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig объединяет дефолты, файл flightrec.yaml, ENV и флаги (если переданы).
func LoadConfig(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("flightrec")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. Переменные окружения
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 3. Дефолты
	setDefaults(v)

	// 4. Флаги командной строки
	explicit := false
	if flags != nil {
		for key, name := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("infra: bind flag --%s: %w", name, err)
			}
		}
		if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			explicit = true
		}
	}

	// 5. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("infra: read config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 6. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("infra: decode config: %w", err)
	}

	// 7. Секреты: ключ из ENV или файла, секрет анкера только из ENV
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "FLIGHTREC_AUTH_PUBLIC_KEY_DATA")
	if s := os.Getenv(EnvAnchorSecret); s != "" {
		cfg.Recorder.AnchorSecret = []byte(s)
	}

	return &cfg, nil
}

// flagKeys: ключ конфига -> имя флага.
var flagKeys = map[string]string{
	"recorder.profile":          "profile",
	"recorder.policy_file":      "policy",
	"recorder.policy_sim":       "policy-sim",
	"recorder.declared_intents": "declared-intents",
	"recorder.anchor":           "anchor",
	"database.url":              "db-url",
	"redis.addr":                "redis-addr",
	"server.port":               "port",
	"logger.level":              "log-level",
	"logger.format":             "log-format",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.max_body_bytes", int64(64<<20))
	v.SetDefault("server.rate_limit", 10.0)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("recorder.profile", "default")
	v.SetDefault("recorder.export_batch_size", 100)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource: PEM прямо в ENV (Docker/K8s) или файл по пути из конфига.
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
