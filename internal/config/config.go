package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "EXCHANGE"

type Config struct {
	TCP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"tcp"`

	HTTP struct {
		Addr           string   `mapstructure:"addr"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"http"`

	Store struct {
		Driver string `mapstructure:"driver"`
	} `mapstructure:"store"`

	DBConfig struct {
		Host       string        `mapstructure:"host"`
		Port       int           `mapstructure:"port"`
		User       string        `mapstructure:"user"`
		Password   string        `mapstructure:"password"`
		Name       string        `mapstructure:"name"`
		SSLMode    string        `mapstructure:"sslmode"`
		MaxRetries int           `mapstructure:"max_retries"`
		RetryDelay time.Duration `mapstructure:"retry_delay"`
	} `mapstructure:"db"`

	Migrations struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"migrations"`

	Rates struct {
		Source   string        `mapstructure:"source"`
		BaseURL  string        `mapstructure:"base_url"`
		Timeout  time.Duration `mapstructure:"timeout"`
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"rates"`

	Broadcast struct {
		Interval   time.Duration `mapstructure:"interval"`
		Currencies []string      `mapstructure:"currencies"`
	} `mapstructure:"broadcast"`

	Kafka struct {
		Enabled          bool   `mapstructure:"enabled"`
		Brokers          string `mapstructure:"brokers"`
		TradeEventsTopic string `mapstructure:"trade_events_topic"`
	} `mapstructure:"kafka"`

	Outbox struct {
		PollInterval time.Duration `mapstructure:"poll_interval"`
		PollTimeout  time.Duration `mapstructure:"poll_timeout"`
		BatchSize    int           `mapstructure:"batch_size"`
	} `mapstructure:"outbox"`

	NATS struct {
		Enabled bool   `mapstructure:"enabled"`
		URL     string `mapstructure:"url"`
	} `mapstructure:"nats"`

	Session struct {
		Registry     string        `mapstructure:"registry"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"session"`

	Auth struct {
		BcryptCost int `mapstructure:"bcrypt_cost"`
	} `mapstructure:"auth"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tcp.addr", ":5000")
	v.SetDefault("http.addr", ":8082")
	v.SetDefault("http.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("store.driver", "postgres")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "user")
	v.SetDefault("db.password", "password")
	v.SetDefault("db.name", "exchange_db")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_retries", 10)
	v.SetDefault("db.retry_delay", 5*time.Second)
	v.SetDefault("migrations.path", "file://migrations")

	v.SetDefault("rates.source", "nbp")
	v.SetDefault("rates.base_url", "http://api.nbp.pl/api")
	v.SetDefault("rates.timeout", 5*time.Second)
	v.SetDefault("rates.cache_ttl", 30*time.Second)

	v.SetDefault("broadcast.interval", 60*time.Second)
	v.SetDefault("broadcast.currencies", []string{"USD", "EUR", "GBP"})

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.trade_events_topic", "exchange_trade_events")

	v.SetDefault("outbox.poll_interval", 1*time.Second)
	v.SetDefault("outbox.poll_timeout", 500*time.Millisecond)
	v.SetDefault("outbox.batch_size", 10)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("session.registry", "actor")
	v.SetDefault("session.write_timeout", 5*time.Second)

	v.SetDefault("auth.bcrypt_cost", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig reads defaults, then the optional config file at path, then
// EXCHANGE_* environment variables. A .env file in the working directory is
// loaded into the environment first when present.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Broadcast.Currencies = normalizeList(cfg.Broadcast.Currencies)
	cfg.HTTP.AllowedOrigins = normalizeList(cfg.HTTP.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Store.Driver != "postgres" && c.Store.Driver != "memory" {
		errs = append(errs, fmt.Errorf("store.driver must be postgres or memory, got %q", c.Store.Driver))
	}
	if c.Rates.Source != "nbp" && c.Rates.Source != "static" {
		errs = append(errs, fmt.Errorf("rates.source must be nbp or static, got %q", c.Rates.Source))
	}
	if c.Session.Registry != "actor" && c.Session.Registry != "mutex" {
		errs = append(errs, fmt.Errorf("session.registry must be actor or mutex, got %q", c.Session.Registry))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	positive := map[string]time.Duration{
		"broadcast.interval":    c.Broadcast.Interval,
		"rates.timeout":         c.Rates.Timeout,
		"outbox.poll_interval":  c.Outbox.PollInterval,
		"outbox.poll_timeout":   c.Outbox.PollTimeout,
		"session.write_timeout": c.Session.WriteTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.Rates.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("rates.cache_ttl must not be negative, got %s", c.Rates.CacheTTL))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("outbox.batch_size must be positive, got %d", c.Outbox.BatchSize))
	}
	if c.Kafka.Enabled && len(c.GetKafkaBrokers()) == 0 {
		errs = append(errs, errors.New("kafka.enabled requires kafka.brokers"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Config) GetDBConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBConfig.Host, c.DBConfig.Port, c.DBConfig.User, c.DBConfig.Password, c.DBConfig.Name, c.DBConfig.SSLMode)
}

func (c *Config) GetDBMigrationConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBConfig.User, c.DBConfig.Password, c.DBConfig.Host, c.DBConfig.Port, c.DBConfig.Name, c.DBConfig.SSLMode)
}

func (c *Config) GetKafkaBrokers() []string {
	return normalizeList(strings.Split(c.Kafka.Brokers, ","))
}

// normalizeList also splits single comma-joined entries, which is how a list
// arrives from an environment variable.
func normalizeList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
