package collector

import (
	"net/url"
	"strings"
	"time"

	"github.com/obsidianstack/alertpipe/internal/apperr"
	"github.com/obsidianstack/alertpipe/internal/metrics"
)

// MinInterval is the shortest allowed collection interval.
const MinInterval = 10 * time.Second

// DefaultTimeout bounds one collection when the source sets no timeout.
const DefaultTimeout = 10 * time.Second

// Mode is how a collector obtains data.
type Mode string

const (
	ModePull  Mode = "pull"
	ModePush  Mode = "push"
	ModeLocal Mode = "local"
)

// Status is the outcome of a collector's most recent activity.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
	StatusUnknown  Status = "unknown"
)

// Auth holds resolved credentials for a pull source.
type Auth struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `json:"mode,omitempty"`

	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`

	Header   string `json:"header,omitempty"`
	Key      string `json:"-"`
	Token    string `json:"-"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
}

// TLS holds dial options for https sources.
type TLS struct {
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty"`
}

// Source describes where a collector's data comes from.
type Source struct {
	Mode     Mode          `json:"mode"`
	Scheme   string        `json:"scheme,omitempty"`
	Endpoint string        `json:"endpoint,omitempty"`
	Path     string        `json:"path,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`

	// ScrapeInterval and ScrapeTimeout describe the remote scrape contract
	// and are independent of the collector's own Interval. ScrapeTimeout,
	// when set, bounds one collection instead of Timeout.
	ScrapeInterval time.Duration `json:"scrape_interval,omitempty"`
	ScrapeTimeout  time.Duration `json:"scrape_timeout,omitempty"`

	Auth Auth `json:"auth"`
	TLS  TLS  `json:"tls"`
}

// URL joins scheme, endpoint and path. An endpoint that already carries a
// scheme is used as is.
func (s Source) URL() string {
	base := s.Endpoint
	if !strings.Contains(base, "://") {
		scheme := s.Scheme
		if scheme == "" {
			scheme = "http"
		}
		base = scheme + "://" + base
	}
	if s.Path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(s.Path, "/")
}

// deadline returns how long one collection may take.
func (s Source) deadline() time.Duration {
	switch {
	case s.ScrapeTimeout > 0:
		return s.ScrapeTimeout
	case s.Timeout > 0:
		return s.Timeout
	}
	return DefaultTimeout
}

// Collector is a configured source of metrics.
type Collector struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Type   string         `json:"type"`
	Source Source         `json:"source"`
	Config map[string]any `json:"config,omitempty"`

	Interval time.Duration `json:"interval"`
	Enabled  bool          `json:"enabled"`

	// Labels are merged into every metric the collector produces.
	Labels map[string]string `json:"labels,omitempty"`

	// Metrics lists the declared metric names. For custom collectors these
	// are the dotted JSON paths to extract; for other pull types a non-empty
	// list restricts the output to those names.
	Metrics []string `json:"metrics,omitempty"`

	Status         Status    `json:"status"`
	LastCollection time.Time `json:"last_collection,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	UptimePct      float64   `json:"uptime_pct"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// clone returns a deep copy safe to hand to callers.
func (c Collector) clone() Collector {
	out := c
	if c.Config != nil {
		out.Config = make(map[string]any, len(c.Config))
		for k, v := range c.Config {
			out.Config[k] = v
		}
	}
	if c.Labels != nil {
		out.Labels = make(map[string]string, len(c.Labels))
		for k, v := range c.Labels {
			out.Labels[k] = v
		}
	}
	out.Metrics = append([]string(nil), c.Metrics...)
	return out
}

// validate checks c against the type registry. It lists every problem.
func (c *Collector) validate(types map[string]typeSpec) error {
	v := apperr.NewValidator("collector")
	v.Check(strings.TrimSpace(c.Name) != "", "name is required")

	spec, known := types[c.Type]
	if !known {
		v.Addf("type %q is not a known collector type (%s)", c.Type, strings.Join(typeNames(types), "|"))
	}

	if c.Interval < MinInterval {
		v.Addf("interval must be at least %s, got %s", MinInterval, c.Interval)
	}
	v.Check(c.Source.Timeout >= 0, "source.timeout must not be negative")
	v.Check(c.Source.ScrapeTimeout >= 0, "source.scrape_timeout must not be negative")
	v.Check(c.Source.ScrapeInterval >= 0, "source.scrape_interval must not be negative")
	if c.Source.ScrapeInterval > 0 && c.Source.ScrapeTimeout > c.Source.ScrapeInterval {
		v.Addf("source.scrape_timeout %s exceeds scrape_interval %s", c.Source.ScrapeTimeout, c.Source.ScrapeInterval)
	}

	switch c.Source.Auth.Mode {
	case "", "none", "mtls", "apikey", "bearer", "basic":
	default:
		v.Addf("source.auth.mode %q is not one of mtls|apikey|bearer|basic|none", c.Source.Auth.Mode)
	}
	if c.Source.Auth.Mode == "apikey" && c.Source.Auth.Header == "" {
		v.Addf("source.auth.header is required for apikey auth")
	}

	if known {
		if c.Source.Mode == "" {
			c.Source.Mode = spec.mode
		}
		if c.Source.Mode != spec.mode {
			v.Addf("source.mode %q does not match %s collectors (%s)", c.Source.Mode, c.Type, spec.mode)
		}
		if spec.mode == ModePull {
			if c.Source.Endpoint == "" {
				v.Addf("source.endpoint is required for pull collectors")
			} else if _, err := url.Parse(c.Source.URL()); err != nil {
				v.Addf("source endpoint: %v", err)
			}
		}
		if spec.validate != nil {
			for _, p := range spec.validate(c) {
				v.Addf("%s", p)
			}
		}
	}
	return v.Err()
}

// Statistics summarizes the registry and the data it has produced.
type Statistics struct {
	Total   int           `json:"total"`
	Enabled int           `json:"enabled"`
	Active  int           `json:"active"`
	Errored int           `json:"errored"`
	Running bool          `json:"running"`
	Store   metrics.Stats `json:"store"`
}
