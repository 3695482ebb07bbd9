package config

import (
    "fmt"
    "strconv"
    "strings"
    "time"

    "github.com/shopspring/decimal"
    "github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
    App        AppConfig        `mapstructure:"app"`
    Database   DatabaseConfig   `mapstructure:"database"`
    Redis      RedisConfig      `mapstructure:"redis"`
    FreeSwitch FreeSwitchConfig `mapstructure:"freeswitch"`
    Billing    BillingConfig    `mapstructure:"billing"`
    Monitoring MonitoringConfig `mapstructure:"monitoring"`
    API        APIConfig        `mapstructure:"api"`
}

// AppConfig holds application-level configuration
type AppConfig struct {
    Name        string `mapstructure:"name"`
    Version     string `mapstructure:"version"`
    Environment string `mapstructure:"environment"`
    Debug       bool   `mapstructure:"debug"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
    Driver          string        `mapstructure:"driver"`
    Host            string        `mapstructure:"host"`
    Port            int           `mapstructure:"port"`
    Username        string        `mapstructure:"username"`
    Password        string        `mapstructure:"password"`
    Database        string        `mapstructure:"database"`
    MaxOpenConns    int           `mapstructure:"max_open_conns"`
    MaxIdleConns    int           `mapstructure:"max_idle_conns"`
    ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
    RetryAttempts   int           `mapstructure:"retry_attempts"`
    RetryDelay      time.Duration `mapstructure:"retry_delay"`
    Charset         string        `mapstructure:"charset"`
}

// RedisConfig holds Redis cache/coordination configuration
type RedisConfig struct {
    Host         string        `mapstructure:"host"`
    Port         int           `mapstructure:"port"`
    Password     string        `mapstructure:"password"`
    DB           int           `mapstructure:"db"`
    PoolSize     int           `mapstructure:"pool_size"`
    MinIdleConns int           `mapstructure:"min_idle_conns"`
    MaxRetries   int           `mapstructure:"max_retries"`
    DialTimeout  time.Duration `mapstructure:"dial_timeout"`
    ReadTimeout  time.Duration `mapstructure:"read_timeout"`
    WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// FreeSwitchConfig holds the softswitch adapter's ESL connection settings.
// Servers is a comma-separated list of "host:port:password" triples, one
// per softswitch node, so a multi-switch deployment can use a different
// ESL password per node.
type FreeSwitchConfig struct {
    Servers          string        `mapstructure:"servers"`
    ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
    ActionTimeout    time.Duration `mapstructure:"action_timeout"`
    PingInterval     time.Duration `mapstructure:"ping_interval"`
    InitialReconnect time.Duration `mapstructure:"initial_reconnect"`
    MaxReconnect     time.Duration `mapstructure:"max_reconnect"`
    EventBufferSize  int           `mapstructure:"event_buffer_size"`
}

// Server is one softswitch node's connection address and ESL password.
type Server struct {
    Host     string
    Port     int
    Password string
}

func (s Server) Addr() string {
    return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ServerList parses Servers into individual host:port:password triples,
// trimming whitespace and skipping malformed entries.
func (f *FreeSwitchConfig) ServerList() []Server {
    var out []Server
    for _, entry := range strings.Split(f.Servers, ",") {
        entry = strings.TrimSpace(entry)
        if entry == "" {
            continue
        }
        parts := strings.Split(entry, ":")
        if len(parts) != 3 {
            continue
        }
        port, err := strconv.Atoi(strings.TrimSpace(parts[1]))
        if err != nil {
            continue
        }
        out = append(out, Server{
            Host:     strings.TrimSpace(parts[0]),
            Port:     port,
            Password: strings.TrimSpace(parts[2]),
        })
    }
    return out
}

// BillingConfig holds the rating/reservation tunables.
type BillingConfig struct {
    InitialReservationMinutes int             `mapstructure:"initial_reservation_minutes"`
    ReservationBufferPercent  int             `mapstructure:"reservation_buffer_percent"`
    MinReservation            decimal.Decimal `mapstructure:"-"`
    MaxReservation            decimal.Decimal `mapstructure:"-"`
    MaxDeficit                decimal.Decimal `mapstructure:"-"`
    MinReservationStr         string          `mapstructure:"min_reservation"`
    MaxReservationStr         string          `mapstructure:"max_reservation"`
    MaxDeficitStr             string          `mapstructure:"max_deficit"`
    ReservationTTL            time.Duration   `mapstructure:"reservation_ttl"`
    MaxConcurrentCalls        int             `mapstructure:"max_concurrent_calls"`
    RateCacheTTL              time.Duration   `mapstructure:"rate_cache_ttl"`
    MonitorTickInterval       time.Duration   `mapstructure:"monitor_tick_interval"`
    IdempotencyLockTTL        time.Duration   `mapstructure:"idempotency_lock_ttl"`
}

// MonitoringConfig holds metrics/health configuration
type MonitoringConfig struct {
    Metrics MetricsConfig `mapstructure:"metrics"`
    Health  HealthConfig  `mapstructure:"health"`
    Logging LoggingConfig `mapstructure:"logging"`
}

type MetricsConfig struct {
    Enabled   bool   `mapstructure:"enabled"`
    Port      int    `mapstructure:"port"`
    Path      string `mapstructure:"path"`
    Namespace string `mapstructure:"namespace"`
    Subsystem string `mapstructure:"subsystem"`
}

type HealthConfig struct {
    Enabled       bool          `mapstructure:"enabled"`
    Port          int           `mapstructure:"port"`
    LivenessPath  string        `mapstructure:"liveness_path"`
    ReadinessPath string        `mapstructure:"readiness_path"`
    CheckTimeout  time.Duration `mapstructure:"check_timeout"`
}

type LoggingConfig struct {
    Level  string                 `mapstructure:"level"`
    Format string                 `mapstructure:"format"`
    Output string                 `mapstructure:"output"`
    File   FileLogConfig          `mapstructure:"file"`
    Fields map[string]interface{} `mapstructure:"fields"`
}

type FileLogConfig struct {
    Enabled    bool   `mapstructure:"enabled"`
    Path       string `mapstructure:"path"`
    MaxSize    int    `mapstructure:"max_size"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAge     int    `mapstructure:"max_age"`
    Compress   bool   `mapstructure:"compress"`
}

// APIConfig holds the HTTP control surface configuration
type APIConfig struct {
    Host         string        `mapstructure:"host"`
    Port         int           `mapstructure:"port"`
    ReadTimeout  time.Duration `mapstructure:"read_timeout"`
    WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Load loads configuration from file and environment
func Load(configFile string) (*Config, error) {
    if configFile != "" {
        viper.SetConfigFile(configFile)
    } else {
        viper.SetConfigName("config")
        viper.SetConfigType("yaml")
        viper.AddConfigPath("./configs")
        viper.AddConfigPath("/etc/billingcore")
        viper.AddConfigPath(".")
    }

    viper.SetEnvPrefix("BILLINGCORE")
    viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
    viper.AutomaticEnv()

    setDefaults()

    if err := viper.ReadInConfig(); err != nil {
        if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
            return nil, fmt.Errorf("failed to read config file: %w", err)
        }
    }

    var config Config
    if err := viper.Unmarshal(&config); err != nil {
        return nil, fmt.Errorf("failed to unmarshal config: %w", err)
    }

    if err := config.parseDecimals(); err != nil {
        return nil, fmt.Errorf("invalid billing decimal setting: %w", err)
    }

    if err := config.Validate(); err != nil {
        return nil, fmt.Errorf("invalid configuration: %w", err)
    }

    return &config, nil
}

func (c *Config) parseDecimals() error {
    var err error
    if c.Billing.MinReservation, err = decimal.NewFromString(c.Billing.MinReservationStr); err != nil {
        return fmt.Errorf("min_reservation: %w", err)
    }
    if c.Billing.MaxReservation, err = decimal.NewFromString(c.Billing.MaxReservationStr); err != nil {
        return fmt.Errorf("max_reservation: %w", err)
    }
    if c.Billing.MaxDeficit, err = decimal.NewFromString(c.Billing.MaxDeficitStr); err != nil {
        return fmt.Errorf("max_deficit: %w", err)
    }
    return nil
}

func setDefaults() {
    viper.SetDefault("app.name", "billingcore")
    viper.SetDefault("app.version", "1.0.0")
    viper.SetDefault("app.environment", "development")
    viper.SetDefault("app.debug", false)

    viper.SetDefault("database.driver", "mysql")
    viper.SetDefault("database.host", "localhost")
    viper.SetDefault("database.port", 3306)
    viper.SetDefault("database.username", "billingcore")
    viper.SetDefault("database.password", "billingcore")
    viper.SetDefault("database.database", "billingcore")
    viper.SetDefault("database.max_open_conns", 25)
    viper.SetDefault("database.max_idle_conns", 5)
    viper.SetDefault("database.conn_max_lifetime", "5m")
    viper.SetDefault("database.retry_attempts", 3)
    viper.SetDefault("database.retry_delay", "1s")
    viper.SetDefault("database.charset", "utf8mb4")

    viper.SetDefault("redis.host", "localhost")
    viper.SetDefault("redis.port", 6379)
    viper.SetDefault("redis.db", 0)
    viper.SetDefault("redis.pool_size", 10)
    viper.SetDefault("redis.min_idle_conns", 5)
    viper.SetDefault("redis.max_retries", 3)
    viper.SetDefault("redis.dial_timeout", "5s")
    viper.SetDefault("redis.read_timeout", "3s")
    viper.SetDefault("redis.write_timeout", "3s")

    viper.SetDefault("freeswitch.servers", "localhost:8021:ClueCon")
    viper.SetDefault("freeswitch.connect_timeout", "10s")
    viper.SetDefault("freeswitch.action_timeout", "10s")
    viper.SetDefault("freeswitch.ping_interval", "30s")
    viper.SetDefault("freeswitch.initial_reconnect", "1s")
    viper.SetDefault("freeswitch.max_reconnect", "60s")
    viper.SetDefault("freeswitch.event_buffer_size", 1000)

    viper.SetDefault("billing.initial_reservation_minutes", 5)
    viper.SetDefault("billing.reservation_buffer_percent", 8)
    viper.SetDefault("billing.min_reservation", "0.30")
    viper.SetDefault("billing.max_reservation", "30.00")
    viper.SetDefault("billing.max_deficit", "10.00")
    viper.SetDefault("billing.reservation_ttl", "2700s")
    viper.SetDefault("billing.max_concurrent_calls", 5)
    viper.SetDefault("billing.rate_cache_ttl", "300s")
    viper.SetDefault("billing.monitor_tick_interval", "180s")
    viper.SetDefault("billing.idempotency_lock_ttl", "30s")

    viper.SetDefault("monitoring.metrics.enabled", true)
    viper.SetDefault("monitoring.metrics.port", 9090)
    viper.SetDefault("monitoring.metrics.path", "/metrics")
    viper.SetDefault("monitoring.metrics.namespace", "billingcore")
    viper.SetDefault("monitoring.health.enabled", true)
    viper.SetDefault("monitoring.health.port", 8080)
    viper.SetDefault("monitoring.health.liveness_path", "/health/live")
    viper.SetDefault("monitoring.health.readiness_path", "/health/ready")
    viper.SetDefault("monitoring.logging.level", "info")
    viper.SetDefault("monitoring.logging.format", "json")
    viper.SetDefault("monitoring.logging.output", "stdout")

    viper.SetDefault("api.host", "0.0.0.0")
    viper.SetDefault("api.port", 8080)
    viper.SetDefault("api.read_timeout", "10s")
    viper.SetDefault("api.write_timeout", "10s")
}

// Validate validates the configuration
func (c *Config) Validate() error {
    if c.Database.Host == "" {
        return fmt.Errorf("database host is required")
    }
    if c.Database.Port <= 0 || c.Database.Port > 65535 {
        return fmt.Errorf("invalid database port: %d", c.Database.Port)
    }
    if c.Database.Database == "" {
        return fmt.Errorf("database name is required")
    }

    if len(c.FreeSwitch.ServerList()) == 0 {
        return fmt.Errorf("at least one freeswitch server is required")
    }

    if c.Billing.MinReservation.IsNegative() {
        return fmt.Errorf("min_reservation cannot be negative")
    }
    if c.Billing.MaxReservation.LessThan(c.Billing.MinReservation) {
        return fmt.Errorf("max_reservation must be >= min_reservation")
    }
    if c.Billing.MaxConcurrentCalls <= 0 {
        return fmt.Errorf("max_concurrent_calls must be positive")
    }
    if c.Billing.InitialReservationMinutes <= 0 {
        return fmt.Errorf("initial_reservation_minutes must be positive")
    }

    if c.API.Port <= 0 || c.API.Port > 65535 {
        return fmt.Errorf("invalid api port: %d", c.API.Port)
    }

    return nil
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
    charset := c.Charset
    if charset == "" {
        charset = "utf8mb4"
    }

    return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=true&loc=Local",
        c.Username,
        c.Password,
        c.Host,
        c.Port,
        c.Database,
        charset,
    )
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
    return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction returns true if running in production environment
func (c *AppConfig) IsProduction() bool {
    return strings.ToLower(c.Environment) == "production"
}

// IsDevelopment returns true if running in development environment
func (c *AppConfig) IsDevelopment() bool {
    return strings.ToLower(c.Environment) == "development"
}
