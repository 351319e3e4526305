package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Scylla     ScyllaConfig     `mapstructure:"scylla"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Billing    BillingConfig    `mapstructure:"billing"`
	CallBridge CallBridgeConfig `mapstructure:"call_bridge"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// DSN renders the connection string shared by the pool and the migrator.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

type ScyllaConfig struct {
	Hosts             []string      `mapstructure:"hosts"`
	Port              int           `mapstructure:"port"`
	Keyspace          string        `mapstructure:"keyspace"`
	Consistency       string        `mapstructure:"consistency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DisableInitSchema bool          `mapstructure:"disable_init_schema"`
	EventTTL          time.Duration `mapstructure:"event_ttl"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	CallTopic       string        `mapstructure:"call_topic"`
	StatusTopic     string        `mapstructure:"status_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
	Partitions      int           `mapstructure:"partitions"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SchedulerConfig struct {
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	MaxBatchSize  int           `mapstructure:"max_batch_size"`
	CampaignLimit int           `mapstructure:"campaign_limit"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	LockKeyPrefix string        `mapstructure:"lock_key_prefix"`
	DispatchLease time.Duration `mapstructure:"dispatch_lease"`
}

// RetryConfig drives the webhook error redrive schedule.
type RetryConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	ClaimLease    time.Duration `mapstructure:"claim_lease"`
}

type WebhookConfig struct {
	SigningSecret      string        `mapstructure:"signing_secret"`
	Tolerance          time.Duration `mapstructure:"tolerance"`
	ShortCallThreshold time.Duration `mapstructure:"short_call_threshold"`
}

// BillingConfig holds the pricing knobs. Markup is a rational such as "5/3" or "1.5".
type BillingConfig struct {
	Markup                   string `mapstructure:"markup"`
	LowBalanceThresholdCents int64  `mapstructure:"low_balance_threshold_cents"`
	MinDispatchBalanceCents  int64  `mapstructure:"min_dispatch_balance_cents"`
}

type CallBridgeConfig struct {
	ProviderName   string        `mapstructure:"provider_name"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("OUTBOUND")
	v.SetEnvKeyReplacer(NewEnvReplacer())
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("scheduler.tick_interval", "30s")
	v.SetDefault("scheduler.max_batch_size", 200)
	v.SetDefault("scheduler.campaign_limit", 200)
	v.SetDefault("scheduler.lock_ttl", "1m")
	v.SetDefault("scheduler.lock_key_prefix", "outbound:scheduler")
	v.SetDefault("scheduler.dispatch_lease", "10m")
	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.base_delay", "30s")
	v.SetDefault("retry.max_delay", "1h")
	v.SetDefault("retry.sweep_interval", "15s")
	v.SetDefault("retry.batch_size", 50)
	v.SetDefault("retry.claim_lease", "2m")
	v.SetDefault("webhook.tolerance", "300s")
	v.SetDefault("webhook.short_call_threshold", "10s")
	v.SetDefault("billing.markup", "5/3")
	v.SetDefault("billing.low_balance_threshold_cents", 500)
	v.SetDefault("billing.min_dispatch_balance_cents", 100)
	v.SetDefault("kafka.partitions", 12)
	v.SetDefault("scylla.event_ttl", "2160h")
}

// Validate checks the fields every binary depends on.
func (c *Config) Validate() error {
	var problems []string
	if c.Webhook.SigningSecret == "" {
		problems = append(problems, "webhook.signing_secret is required")
	}
	if c.Webhook.Tolerance <= 0 {
		problems = append(problems, "webhook.tolerance must be positive")
	}
	if c.Billing.Markup == "" {
		problems = append(problems, "billing.markup is required")
	}
	if c.Retry.BaseDelay <= 0 {
		problems = append(problems, "retry.base_delay must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		problems = append(problems, "retry.max_retries must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
