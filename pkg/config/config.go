package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv      string `mapstructure:"APP_ENV"`
	AppName     string `mapstructure:"APP_NAME"`
	AppVersion  string `mapstructure:"APP_VERSION"`
	NodeID      int64  `mapstructure:"NODE_ID"`
	MetricsAddr string `mapstructure:"METRICS_ADDR"`
	Database    struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Telemetry      bool   `mapstructure:"TELEMETRY"`
		Metrics        bool   `mapstructure:"METRICS"`
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
	Telemetry struct {
		Enabled  bool   `mapstructure:"ENABLED"`
		Protocol string `mapstructure:"PROTOCOL"`
		Endpoint string `mapstructure:"ENDPOINT"`
		Insecure bool   `mapstructure:"INSECURE"`
	} `mapstructure:"TELEMETRY"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Compensation Compensation `mapstructure:"COMPENSATION"`
}

// Compensation holds the tunables of the compensation plan.
type Compensation struct {
	BaseCurrency         string             `mapstructure:"BASE_CURRENCY"`
	PVMinQualification   float64            `mapstructure:"PV_MIN_QUALIFICATION"`
	UninivelPercentages  []float64          `mapstructure:"UNINIVEL_PERCENTAGES"`
	DirectPercentage     float64            `mapstructure:"DIRECT_PERCENTAGE"`
	FastStartPercentages []float64          `mapstructure:"FAST_START_PERCENTAGES"`
	FastStartWindow      time.Duration      `mapstructure:"FAST_START_WINDOW"`
	ExchangeTimeout      time.Duration      `mapstructure:"EXCHANGE_TIMEOUT"`
	ExchangeRates        map[string]float64 `mapstructure:"EXCHANGE_RATES"`
	ClosureSchedule      string             `mapstructure:"CLOSURE_SCHEDULE"`
}

func (c Compensation) PVMin() decimal.Decimal {
	return decimal.NewFromFloat(c.PVMinQualification)
}

func (c Compensation) Uninivel() []decimal.Decimal {
	return decimals(c.UninivelPercentages)
}

func (c Compensation) Direct() decimal.Decimal {
	return decimal.NewFromFloat(c.DirectPercentage)
}

func (c Compensation) FastStart() []decimal.Decimal {
	return decimals(c.FastStartPercentages)
}

func decimals(in []float64) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(in))
	for _, v := range in {
		out = append(out, decimal.NewFromFloat(v))
	}
	return out
}

// DefaultUninivelPercentages is the level 1..9 payout table.
var DefaultUninivelPercentages = []float64{5, 8, 10, 10, 5, 4, 4, 3, 3}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "compensation")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("METRICS_ADDR", ":9090")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.AUTO_MIGRATE", true)
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("TELEMETRY.PROTOCOL", "grpc")
	v.SetDefault("COMPENSATION.BASE_CURRENCY", "USD")
	v.SetDefault("COMPENSATION.PV_MIN_QUALIFICATION", 100)
	v.SetDefault("COMPENSATION.UNINIVEL_PERCENTAGES", DefaultUninivelPercentages)
	v.SetDefault("COMPENSATION.DIRECT_PERCENTAGE", 0)
	v.SetDefault("COMPENSATION.FAST_START_WINDOW", 30*24*time.Hour)
	v.SetDefault("COMPENSATION.EXCHANGE_TIMEOUT", 5*time.Second)
	v.SetDefault("COMPENSATION.CLOSURE_SCHEDULE", "55 23 28-31 * *")
}

// Load reads config.yaml from the given directories, applies env overrides
// and returns the decoded configuration. A missing file is not an error.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func LoadConfig() *Config {
	cfg, err := Load(".")
	if err != nil {
		zap.L().Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}
	return cfg
}
