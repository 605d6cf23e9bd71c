package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/arklim/webapp-admission/internal/core/domain"
)

// DefaultScopes lists the scopes every deployment ships with.
var DefaultScopes = []string{"auth", "api", "public", "user"}

type AppConfig struct {
	App        AppSettings        `mapstructure:"app"`
	Redis      RedisSettings      `mapstructure:"redis"`
	GRPC       GRPCSettings       `mapstructure:"grpc"`
	Kafka      KafkaSettings      `mapstructure:"kafka"`
	JWT        JWTSettings        `mapstructure:"jwt"`
	Telemetry  TelemetrySettings  `mapstructure:"telemetry"`
	RateLimit  RateLimitSettings  `mapstructure:"rate_limit"`
	Revocation RevocationSettings `mapstructure:"revocation"`
}

type AppSettings struct {
	Name           string   `mapstructure:"name"`
	Env            string   `mapstructure:"env"`
	LogLevel       string   `mapstructure:"log_level"`
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	CORSOrigins    []string `mapstructure:"cors_origins"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// RedisSettings configures the shared store connection pool.
type RedisSettings struct {
	URL              string        `mapstructure:"url"`
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	DB               int           `mapstructure:"db"`
	Password         string        `mapstructure:"password"`
	TLSEnabled       bool          `mapstructure:"tls_enabled"`
	PoolSize         int           `mapstructure:"pool_size"`
	MinIdleConns     int           `mapstructure:"min_idle_conns"`
	PoolTimeout      time.Duration `mapstructure:"pool_timeout"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// Addr returns host:port, honouring URL when set.
func (s RedisSettings) Addr() string {
	if s.URL != "" {
		if parsed, err := url.Parse(s.URL); err == nil && parsed.Host != "" {
			return parsed.Host
		}
	}
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GRPCSettings configures the internal gRPC listener. Every unary call is admitted against Scope.
type GRPCSettings struct {
	Enabled           bool          `mapstructure:"enabled"`
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Scope             string        `mapstructure:"scope"`
	ReadinessInterval time.Duration `mapstructure:"readiness_interval"`
}

// KafkaSettings configures revocation event publishing and consumption.
type KafkaSettings struct {
	Brokers       []string      `mapstructure:"brokers"`
	TopicPrefix   string        `mapstructure:"topic_prefix"`
	ConsumerGroup string        `mapstructure:"consumer_group"`
	ConsumeEvents bool          `mapstructure:"consume_events"`
	MaxEventLag   time.Duration `mapstructure:"max_event_lag"`
}

type JWTSettings struct {
	Secret          string        `mapstructure:"secret"`
	Issuer          string        `mapstructure:"issuer"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
}

type TelemetrySettings struct {
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

// RateLimitSettings configures the sliding-window limiter and its scopes.
type RateLimitSettings struct {
	Enabled     bool                      `mapstructure:"enabled"`
	KeyPrefix   string                    `mapstructure:"key_prefix"`
	ClockSource string                    `mapstructure:"clock_source"`
	Policies    map[string]PolicySettings `mapstructure:"policies"`
}

// PolicySettings is the raw configuration of one scope.
type PolicySettings struct {
	Limit         int    `mapstructure:"limit"`
	WindowSeconds int    `mapstructure:"window_seconds"`
	Identity      string `mapstructure:"identity"`
}

// UsesStoreClock reports whether the store's TIME should drive window arithmetic.
func (s RateLimitSettings) UsesStoreClock() bool {
	return strings.EqualFold(strings.TrimSpace(s.ClockSource), "store")
}

// PolicyList converts the configured scopes into validated policies, sorted by scope.
func (s RateLimitSettings) PolicyList() ([]domain.RateLimitPolicy, error) {
	scopes := make([]string, 0, len(s.Policies))
	for scope := range s.Policies {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)

	policies := make([]domain.RateLimitPolicy, 0, len(scopes))
	var errs []error
	for _, scope := range scopes {
		raw := s.Policies[scope]
		source, err := domain.ParseIdentitySource(raw.Identity)
		if err != nil {
			errs = append(errs, domain.NewConfigurationError(scope, err.Error()))
			continue
		}
		policy := domain.RateLimitPolicy{
			Scope:          strings.ToLower(strings.TrimSpace(scope)),
			Limit:          raw.Limit,
			Window:         time.Duration(raw.WindowSeconds) * time.Second,
			IdentitySource: source,
		}
		if err := policy.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		policies = append(policies, policy)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return policies, nil
}

type RevocationSettings struct {
	KeyPrefix         string `mapstructure:"key_prefix"`
	SubjectKeyPrefix  string `mapstructure:"subject_key_prefix"`
	DegradationPolicy string `mapstructure:"degradation_policy"`
}

// Load reads configuration from the environment and an optional config file.
func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("APP")

	setDefaults(v)

	keys := []string{
		"app.name",
		"app.env",
		"app.log_level",
		"app.host",
		"app.port",
		"app.cors_origins",
		"app.trusted_proxies",
		"redis.url",
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"redis.tls_enabled",
		"redis.pool_size",
		"redis.min_idle_conns",
		"redis.pool_timeout",
		"redis.dial_timeout",
		"redis.read_timeout",
		"redis.write_timeout",
		"redis.operation_timeout",
		"grpc.enabled",
		"grpc.host",
		"grpc.port",
		"grpc.scope",
		"grpc.readiness_interval",
		"kafka.brokers",
		"kafka.topic_prefix",
		"kafka.consumer_group",
		"kafka.consume_events",
		"kafka.max_event_lag",
		"jwt.secret",
		"jwt.issuer",
		"jwt.access_token_ttl",
		"jwt.refresh_token_ttl",
		"telemetry.tracing_enabled",
		"telemetry.otlp_endpoint",
		"telemetry.service_name",
		"telemetry.sampling_rate",
		"rate_limit.enabled",
		"rate_limit.key_prefix",
		"rate_limit.clock_source",
		"revocation.key_prefix",
		"revocation.subject_key_prefix",
		"revocation.degradation_policy",
	}
	for _, scope := range DefaultScopes {
		keys = append(keys,
			"rate_limit.policies."+scope+".limit",
			"rate_limit.policies."+scope+".window_seconds",
			"rate_limit.policies."+scope+".identity",
		)
	}

	if err := bindEnvs(v, keys); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks settings that must be correct before the process starts serving.
func (c *AppConfig) Validate() error {
	if _, err := c.RateLimit.PolicyList(); err != nil {
		return fmt.Errorf("rate limit policies: %w", err)
	}
	if c.RateLimit.ClockSource != "" && !c.RateLimit.UsesStoreClock() && !strings.EqualFold(c.RateLimit.ClockSource, "caller") {
		return domain.NewConfigurationError("", "clock_source must be \"caller\" or \"store\"")
	}
	if c.App.Env == "production" && strings.TrimSpace(c.JWT.Secret) == "" {
		return errors.New("jwt secret is required in production")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("config_file", "")
	v.SetDefault("app.name", "webapp-admission")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.cors_origins", []string{"*"})
	v.SetDefault("app.trusted_proxies", []string{})

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.pool_timeout", "1s")
	v.SetDefault("redis.dial_timeout", "2s")
	v.SetDefault("redis.read_timeout", "500ms")
	v.SetDefault("redis.write_timeout", "500ms")
	v.SetDefault("redis.operation_timeout", "1500ms")

	v.SetDefault("grpc.enabled", false)
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 9090)
	v.SetDefault("grpc.scope", "api")
	v.SetDefault("grpc.readiness_interval", "5s")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_prefix", "webapp")
	v.SetDefault("kafka.consumer_group", "webapp-admission")
	v.SetDefault("kafka.consume_events", false)
	v.SetDefault("kafka.max_event_lag", "2s")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "webapp")
	v.SetDefault("jwt.access_token_ttl", "1h")
	v.SetDefault("jwt.refresh_token_ttl", "24h")

	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4318")
	v.SetDefault("telemetry.service_name", "webapp-admission")
	v.SetDefault("telemetry.sampling_rate", 1.0)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.key_prefix", "ratelimit")
	v.SetDefault("rate_limit.clock_source", "caller")
	setPolicyDefaults(v, "auth", 10, 60, domain.IdentitySourceIP)
	setPolicyDefaults(v, "api", 100, 60, domain.IdentitySourceIP)
	setPolicyDefaults(v, "public", 1000, 60, domain.IdentitySourceIP)
	setPolicyDefaults(v, "user", 300, 60, domain.IdentitySourceUser)

	v.SetDefault("revocation.key_prefix", "token:blacklist")
	v.SetDefault("revocation.subject_key_prefix", "token:revoke_all")
	v.SetDefault("revocation.degradation_policy", string(domain.DegradationPolicyModeStrict))
}

func setPolicyDefaults(v *viper.Viper, scope string, limit, windowSeconds int, source domain.IdentitySource) {
	base := "rate_limit.policies." + scope
	v.SetDefault(base+".limit", limit)
	v.SetDefault(base+".window_seconds", windowSeconds)
	v.SetDefault(base+".identity", string(source))
}

func bindEnvs(v *viper.Viper, keys []string) error {
	if err := v.BindEnv("config_file", "APP_CONFIG_FILE", "CONFIG_FILE"); err != nil {
		return fmt.Errorf("bind env for config_file: %w", err)
	}
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, "APP_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
