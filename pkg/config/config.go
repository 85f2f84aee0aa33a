package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"APP_NODE_ID"`
	Server     struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Path           string `mapstructure:"PATH"`
		AutoMigrate    bool   `mapstructure:"AUTO_MIGRATE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Kafka struct {
		Addrs   string `mapstructure:"ADDR"`
		GroupID string `mapstructure:"GROUP_ID"`
		Topic   string `mapstructure:"TOPIC"`
	} `mapstructure:"KAFKA"`
	Worker struct {
		Concurrency int            `mapstructure:"CONCURRENCY"`
		Queues      map[string]int `mapstructure:"QUEUES"`
		MaxRetry    int            `mapstructure:"MAX_RETRY"`

		ScheduleSyncInterval time.Duration `mapstructure:"SCHEDULE_SYNC_INTERVAL"`
		ScheduleUniqueTTL    time.Duration `mapstructure:"SCHEDULE_UNIQUE_TTL"`
	} `mapstructure:"WORKER"`
	Mailer struct {
		Endpoint string        `mapstructure:"ENDPOINT"`
		APIKey   string        `mapstructure:"API_KEY"`
		From     string        `mapstructure:"FROM"`
		Timeout  time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"MAILER"`
	Otel struct {
		Endpoint    string  `mapstructure:"ENDPOINT"`
		Insecure    bool    `mapstructure:"INSECURE"`
		SampleRatio float64 `mapstructure:"SAMPLE_RATIO"`
	} `mapstructure:"OTEL"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "partners-worker")
	v.SetDefault("APP_NODE_ID", 1)
	v.SetDefault("HTTP_SERVER.ADDR", ":8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.AUTO_MIGRATE", true)
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("KAFKA.GROUP_ID", "partners-workflows")
	v.SetDefault("KAFKA.TOPIC", "partner-program-events")
	v.SetDefault("WORKER.CONCURRENCY", 10)
	v.SetDefault("WORKER.MAX_RETRY", 5)
	v.SetDefault("WORKER.SCHEDULE_SYNC_INTERVAL", time.Minute)
	v.SetDefault("WORKER.SCHEDULE_UNIQUE_TTL", 5*time.Minute)
	v.SetDefault("WORKER.QUEUES", map[string]int{"critical": 6, "default": 3, "low": 1})
	v.SetDefault("MAILER.TIMEOUT", 10*time.Second)
	v.SetDefault("OTEL.INSECURE", true)
	v.SetDefault("OTEL.SAMPLE_RATIO", 1.0)
}

// LoadConfig reads config.yaml from the working directory (optional) and overlays
// environment variables, e.g. DATABASE_HOST overrides DATABASE.HOST.
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
