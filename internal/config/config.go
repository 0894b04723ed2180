package config

import (
	"fmt"
	"os"
	"path"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultMaxPointsPerSeries = 10000
	DefaultRetention          = 30 * 24 * time.Hour
	DefaultResolution         = time.Minute
	DefaultCompactionInterval = time.Hour
	DefaultCacheTTL           = 60 * time.Second
	DefaultCacheSize          = 1000
	DefaultEvaluationInterval = time.Minute
	DefaultHistorySize        = 1000
	DefaultNotifyTimeout      = 10 * time.Second
	DefaultNotifyRetries      = 3
	DefaultListen             = ":8080"
	DefaultStreamInterval     = 5 * time.Second
)

// Config is the full configuration tree parsed from YAML.
type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Collection    CollectionConfig    `yaml:"collection"`
	Alerting      AlertingConfig      `yaml:"alerting"`
	Notifications NotificationsConfig `yaml:"notifications"`
	HTTP          HTTPConfig          `yaml:"http"`
}

// StoreConfig sizes the in-memory metric store.
type StoreConfig struct {
	// MaxPointsPerSeries bounds each metric's buffer. Oldest points go first.
	MaxPointsPerSeries int `yaml:"max_points_per_series"`

	DefaultRetention   time.Duration `yaml:"default_retention"`
	DefaultResolution  time.Duration `yaml:"default_resolution"`
	CompactionInterval time.Duration `yaml:"compaction_interval"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	CacheSize          int           `yaml:"cache_size"`

	// RetentionOverrides are matched in order against the metric name;
	// the first match wins.
	RetentionOverrides []RetentionOverride `yaml:"retention_overrides"`
}

// RetentionOverride sets retention and resolution for names matching Pattern
// (path.Match glob syntax).
type RetentionOverride struct {
	Pattern    string        `yaml:"pattern"`
	Retention  time.Duration `yaml:"retention"`
	Resolution time.Duration `yaml:"resolution"`
}

// CollectionConfig lists the collectors registered at startup.
type CollectionConfig struct {
	// Autostart starts the scheduler immediately after registration.
	Autostart  bool              `yaml:"autostart"`
	Collectors []CollectorConfig `yaml:"collectors"`
}

// CollectorConfig describes one metric collector.
type CollectorConfig struct {
	// ID is optional; a random id is assigned when empty.
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Type is one of: prometheus | json | custom | redis | tls | system | push.
	Type string `yaml:"type"`

	Source   SourceConfig  `yaml:"source"`
	Interval time.Duration `yaml:"interval"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`

	Labels map[string]string `yaml:"labels"`

	// Metrics declares the metric names a custom collector extracts.
	Metrics []string `yaml:"metrics"`

	// Settings holds type-specific options (e.g. prefix, db, path_prefix).
	Settings map[string]any `yaml:"settings"`
}

// IsEnabled reports the effective enabled flag.
func (c CollectorConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// SourceConfig describes where a collector gets its data.
type SourceConfig struct {
	// Mode is one of: pull | push | local. Empty infers it from the type.
	Mode string `yaml:"mode"`

	Scheme   string        `yaml:"scheme"`
	Endpoint string        `yaml:"endpoint"`
	Path     string        `yaml:"path"`
	Timeout  time.Duration `yaml:"timeout"`

	ScrapeInterval time.Duration `yaml:"scrape_interval"`
	ScrapeTimeout  time.Duration `yaml:"scrape_timeout"`

	Auth AuthConfig `yaml:"auth"`
	TLS  TLSConfig  `yaml:"tls"`
}

// AuthConfig specifies the authentication mode for a pull source.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mTLS fields, used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// Header is the HTTP header the API key is sent in (Mode == "apikey").
	Header string `yaml:"header"`
	// KeyEnv names the environment variable that holds the API key.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv names the environment variable that holds the bearer token.
	TokenEnv string `yaml:"token_env"`

	Username string `yaml:"username"`
	// PasswordEnv names the environment variable that holds the basic-auth password.
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
func (a AuthConfig) Key() string { return env(a.KeyEnv) }

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string { return env(a.TokenEnv) }

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string { return env(a.PasswordEnv) }

// TLSConfig holds per-source TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// AlertingConfig holds rule definitions and routing.
type AlertingConfig struct {
	EvaluationInterval time.Duration `yaml:"evaluation_interval"`

	// ExternalURL prefixes generator links on alert instances.
	ExternalURL string `yaml:"external_url"`

	// HistorySize caps the resolved-instance history.
	HistorySize int `yaml:"history_size"`

	Rules  []RuleConfig  `yaml:"rules"`
	Routes []RouteConfig `yaml:"routes"`
}

// RuleConfig defines one alert rule.
type RuleConfig struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	OrgID     string `yaml:"org_id"`
	ProjectID string `yaml:"project_id"`

	Query     QueryConfig     `yaml:"query"`
	Condition ConditionConfig `yaml:"condition"`

	// Frequency is how often the rule is evaluated. Zero evaluates on every
	// engine tick.
	Frequency time.Duration `yaml:"frequency"`

	// For keeps a breaching rule pending until the breach has lasted this long.
	For time.Duration `yaml:"for"`

	// Severity is one of: critical | warning | info.
	Severity string `yaml:"severity"`

	Channels    []string          `yaml:"channels"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
	Enabled     *bool             `yaml:"enabled"`
}

// IsEnabled reports the effective enabled flag.
func (r RuleConfig) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// QueryConfig selects the series a rule evaluates.
type QueryConfig struct {
	Metric  string            `yaml:"metric"`
	Labels  map[string]string `yaml:"labels"`
	Filters []FilterConfig    `yaml:"filters"`
}

// FilterConfig is a structured query predicate.
type FilterConfig struct {
	Field string `yaml:"field"`
	Op    string `yaml:"op"`
	Value any    `yaml:"value"`
}

// ConditionConfig is the threshold test applied to the aggregated value.
type ConditionConfig struct {
	// Aggregation is one of: sum | avg | min | max | count | rate | percentile.
	Aggregation string `yaml:"aggregation"`

	// Operator is one of: gt | gte | lt | lte | eq | ne.
	Operator  string  `yaml:"operator"`
	Threshold float64 `yaml:"threshold"`

	// TimeWindow is how far back the rule's query looks.
	TimeWindow time.Duration `yaml:"time_window"`

	// EvaluationWindow is the aggregation bucket width.
	EvaluationWindow time.Duration `yaml:"evaluation_window"`
}

// RouteConfig adds Channels to every alert whose labels include Match.
type RouteConfig struct {
	Match    map[string]string `yaml:"match"`
	Channels []string          `yaml:"channels"`
}

// NotificationsConfig holds delivery settings and channel definitions.
type NotificationsConfig struct {
	// Timeout bounds one delivery attempt.
	Timeout time.Duration `yaml:"timeout"`

	// Retries is the number of extra attempts after a retryable failure.
	Retries *int `yaml:"retries"`

	Channels []ChannelConfig `yaml:"channels"`
}

// MaxRetries returns the effective retry count.
func (n NotificationsConfig) MaxRetries() int {
	if n.Retries == nil {
		return DefaultNotifyRetries
	}
	return *n.Retries
}

// ChannelConfig defines one notification destination.
type ChannelConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Type is one of: email | slack | teams | webhook | pagerduty | opsgenie | kafka.
	Type string `yaml:"type"`

	Enabled *bool `yaml:"enabled"`

	// Settings holds non-secret, type-specific options.
	Settings map[string]any `yaml:"settings"`

	// SettingsEnv maps a setting name to the environment variable holding
	// its value, e.g. {url: SLACK_WEBHOOK_URL}.
	SettingsEnv map[string]string `yaml:"settings_env"`
}

// IsEnabled reports the effective enabled flag.
func (c ChannelConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// ResolvedSettings merges Settings with values read from SettingsEnv.
// Environment values win over literal settings of the same name; unset
// variables are skipped.
func (c ChannelConfig) ResolvedSettings() map[string]any {
	out := make(map[string]any, len(c.Settings)+len(c.SettingsEnv))
	for k, v := range c.Settings {
		out[k] = v
	}
	for k, name := range c.SettingsEnv {
		if v := env(name); v != "" {
			out[k] = v
		}
	}
	return out
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Listen string `yaml:"listen"`

	// StreamInterval is how often the websocket hub pushes the active alert list.
	StreamInterval time.Duration `yaml:"stream_interval"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Store: StoreConfig{
			MaxPointsPerSeries: DefaultMaxPointsPerSeries,
			DefaultRetention:   DefaultRetention,
			DefaultResolution:  DefaultResolution,
			CompactionInterval: DefaultCompactionInterval,
			CacheTTL:           DefaultCacheTTL,
			CacheSize:          DefaultCacheSize,
		},
		Collection: CollectionConfig{Autostart: true},
		Alerting: AlertingConfig{
			EvaluationInterval: DefaultEvaluationInterval,
			HistorySize:        DefaultHistorySize,
		},
		Notifications: NotificationsConfig{
			Timeout: DefaultNotifyTimeout,
		},
		HTTP: HTTPConfig{
			Listen:         DefaultListen,
			StreamInterval: DefaultStreamInterval,
		},
	}
}

// validate checks structural constraints and enums.
func validate(cfg *Config) error {
	s := cfg.Store
	if s.MaxPointsPerSeries <= 0 {
		return fmt.Errorf("store.max_points_per_series must be positive")
	}
	if s.DefaultRetention <= 0 || s.DefaultResolution <= 0 || s.CompactionInterval <= 0 {
		return fmt.Errorf("store: retention, resolution and compaction_interval must be positive")
	}
	if s.CacheTTL <= 0 || s.CacheSize <= 0 {
		return fmt.Errorf("store: cache_ttl and cache_size must be positive")
	}
	for i, o := range s.RetentionOverrides {
		if o.Pattern == "" {
			return fmt.Errorf("store.retention_overrides[%d]: pattern is required", i)
		}
		if _, err := path.Match(o.Pattern, ""); err != nil {
			return fmt.Errorf("store.retention_overrides[%d]: bad pattern %q: %w", i, o.Pattern, err)
		}
		if o.Retention < 0 || o.Resolution < 0 {
			return fmt.Errorf("store.retention_overrides[%d]: durations must not be negative", i)
		}
	}

	collectorIDs := make(map[string]bool)
	for i, c := range cfg.Collection.Collectors {
		if c.ID != "" {
			if collectorIDs[c.ID] {
				return fmt.Errorf("collectors[%d]: duplicate id %q", i, c.ID)
			}
			collectorIDs[c.ID] = true
		}
		switch c.Type {
		case "prometheus", "json", "custom", "redis", "tls", "system", "push":
		default:
			return fmt.Errorf("collectors[%d] %q: unknown type %q", i, c.Name, c.Type)
		}
		switch c.Source.Mode {
		case "pull", "push", "local", "":
		default:
			return fmt.Errorf("collectors[%d] %q: unknown source mode %q", i, c.Name, c.Source.Mode)
		}
		switch c.Source.Auth.Mode {
		case "mtls", "apikey", "bearer", "basic", "none", "":
		default:
			return fmt.Errorf("collectors[%d] %q: unknown auth mode %q", i, c.Name, c.Source.Auth.Mode)
		}
	}

	channelIDs := make(map[string]bool)
	for i, ch := range cfg.Notifications.Channels {
		if ch.ID == "" {
			return fmt.Errorf("notifications.channels[%d]: id is required", i)
		}
		if channelIDs[ch.ID] {
			return fmt.Errorf("notifications.channels[%d]: duplicate id %q", i, ch.ID)
		}
		channelIDs[ch.ID] = true
		switch ch.Type {
		case "email", "slack", "teams", "webhook", "pagerduty", "opsgenie", "kafka":
		default:
			return fmt.Errorf("notifications.channels[%d] %q: unknown type %q", i, ch.ID, ch.Type)
		}
	}
	if cfg.Notifications.Timeout <= 0 {
		return fmt.Errorf("notifications.timeout must be positive")
	}
	if cfg.Notifications.MaxRetries() < 0 {
		return fmt.Errorf("notifications.retries must not be negative")
	}

	if cfg.Alerting.EvaluationInterval <= 0 {
		return fmt.Errorf("alerting.evaluation_interval must be positive")
	}
	if cfg.Alerting.HistorySize <= 0 {
		return fmt.Errorf("alerting.history_size must be positive")
	}
	for i, r := range cfg.Alerting.Rules {
		for _, id := range r.Channels {
			if !channelIDs[id] {
				return fmt.Errorf("alerting.rules[%d] %q: unknown channel %q", i, r.Name, id)
			}
		}
	}
	for i, rt := range cfg.Alerting.Routes {
		if len(rt.Match) == 0 {
			return fmt.Errorf("alerting.routes[%d]: match must not be empty", i)
		}
		for _, id := range rt.Channels {
			if !channelIDs[id] {
				return fmt.Errorf("alerting.routes[%d]: unknown channel %q", i, id)
			}
		}
	}

	if cfg.HTTP.Listen == "" {
		return fmt.Errorf("http.listen is required")
	}
	if cfg.HTTP.StreamInterval <= 0 {
		return fmt.Errorf("http.stream_interval must be positive")
	}
	return nil
}

func env(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}
