package main

import (
	"log/slog"
	"net/http"

	"github.com/obsidianstack/alertpipe/internal/alerts"
	"github.com/obsidianstack/alertpipe/internal/api"
	"github.com/obsidianstack/alertpipe/internal/collector"
	"github.com/obsidianstack/alertpipe/internal/config"
	"github.com/obsidianstack/alertpipe/internal/metrics"
	"github.com/obsidianstack/alertpipe/internal/notify"
	"github.com/obsidianstack/alertpipe/internal/telemetry"
	"github.com/obsidianstack/alertpipe/internal/ws"
)

// app holds the wired components. Nothing in it is running yet.
type app struct {
	store      *metrics.Store
	dispatcher *notify.Dispatcher
	engine     *alerts.Engine
	collectors *collector.Service
	hub        *ws.Hub
	mux        *http.ServeMux

	unsubscribe func()
}

// build constructs every component from cfg. Invalid collectors, rules and
// channels are logged and skipped so one bad entry does not keep the rest
// from starting.
func build(cfg *config.Config) (*app, error) {
	a := &app{}

	a.store = metrics.New(storeOptions(cfg.Store))
	if err := a.store.SetRetentionOverrides(retentionOverrides(cfg.Store.RetentionOverrides)); err != nil {
		return nil, err
	}

	retries := cfg.Notifications.MaxRetries()
	if retries == 0 {
		retries = -1 // zero means "default" to notify.New
	}
	a.dispatcher = notify.New(notify.Options{
		Timeout: cfg.Notifications.Timeout,
		Retries: retries,
	})
	for _, cc := range cfg.Notifications.Channels {
		if _, err := a.dispatcher.AddChannel(channelFromConfig(cc)); err != nil {
			slog.Error("channel rejected", "channel", cc.ID, "err", err)
		}
	}

	a.engine = alerts.New(a.store, alerts.Options{
		Notifier:    a.dispatcher,
		ExternalURL: cfg.Alerting.ExternalURL,
		HistorySize: cfg.Alerting.HistorySize,
		Routes:      routesFromConfig(cfg.Alerting.Routes),
	})
	for _, rc := range cfg.Alerting.Rules {
		if _, err := a.engine.CreateAlertRule(ruleFromConfig(rc)); err != nil {
			slog.Error("alert rule rejected", "rule", rc.Name, "err", err)
		}
	}

	a.collectors = collector.New(a.store)
	for _, cc := range cfg.Collection.Collectors {
		if _, err := a.collectors.Register(collectorFromConfig(cc)); err != nil {
			slog.Error("collector rejected", "collector", cc.Name, "err", err)
		}
	}

	a.hub = ws.New(a.engine, cfg.HTTP.StreamInterval)
	a.unsubscribe = a.engine.Subscribe(a.hub.Publish)

	a.mux = http.NewServeMux()
	a.mux.Handle("/api/", api.New(api.Deps{
		Store:      a.store,
		Collectors: a.collectors,
		Alerts:     a.engine,
		Channels:   a.dispatcher,
	}))
	a.mux.Handle("/ws/stream", a.hub)
	a.mux.Handle("/metrics", telemetry.Handler())

	return a, nil
}

// reload applies the parts of a changed config that can be swapped while
// running.
func (a *app) reload(cfg *config.Config) {
	if err := a.store.SetRetentionOverrides(retentionOverrides(cfg.Store.RetentionOverrides)); err != nil {
		slog.Error("reload: retention overrides rejected", "err", err)
	} else {
		slog.Info("reload: retention overrides applied", "count", len(cfg.Store.RetentionOverrides))
	}
	a.engine.SetRoutes(routesFromConfig(cfg.Alerting.Routes))
	slog.Info("reload: routes applied", "count", len(cfg.Alerting.Routes))
}

func storeOptions(sc config.StoreConfig) metrics.Options {
	return metrics.Options{
		MaxPointsPerSeries: sc.MaxPointsPerSeries,
		DefaultRetention:   sc.DefaultRetention,
		DefaultResolution:  sc.DefaultResolution,
		CacheTTL:           sc.CacheTTL,
		CacheSize:          sc.CacheSize,
		CompactionInterval: sc.CompactionInterval,
	}
}

func retentionOverrides(in []config.RetentionOverride) []metrics.RetentionOverride {
	out := make([]metrics.RetentionOverride, 0, len(in))
	for _, o := range in {
		out = append(out, metrics.RetentionOverride(o))
	}
	return out
}

func collectorFromConfig(cc config.CollectorConfig) collector.Collector {
	s, auth := cc.Source, cc.Source.Auth
	return collector.Collector{
		ID:   cc.ID,
		Name: cc.Name,
		Type: cc.Type,
		Source: collector.Source{
			Mode:           collector.Mode(s.Mode),
			Scheme:         s.Scheme,
			Endpoint:       s.Endpoint,
			Path:           s.Path,
			Timeout:        s.Timeout,
			ScrapeInterval: s.ScrapeInterval,
			ScrapeTimeout:  s.ScrapeTimeout,
			Auth: collector.Auth{
				Mode:     auth.Mode,
				CertFile: auth.CertFile,
				KeyFile:  auth.KeyFile,
				CAFile:   auth.CAFile,
				Header:   auth.Header,
				Key:      auth.Key(),
				Token:    auth.Token(),
				Username: auth.Username,
				Password: auth.Password(),
			},
			TLS: collector.TLS{InsecureSkipVerify: s.TLS.InsecureSkipVerify},
		},
		Config:   cc.Settings,
		Interval: cc.Interval,
		Enabled:  cc.IsEnabled(),
		Labels:   cc.Labels,
		Metrics:  cc.Metrics,
	}
}

func ruleFromConfig(rc config.RuleConfig) alerts.Rule {
	filters := make([]metrics.Filter, 0, len(rc.Query.Filters))
	for _, f := range rc.Query.Filters {
		filters = append(filters, metrics.Filter{Field: f.Field, Op: metrics.Op(f.Op), Value: f.Value})
	}
	return alerts.Rule{
		ID:        rc.ID,
		Name:      rc.Name,
		OrgID:     rc.OrgID,
		ProjectID: rc.ProjectID,
		Query: alerts.RuleQuery{
			Metric:  rc.Query.Metric,
			Labels:  rc.Query.Labels,
			Filters: filters,
		},
		Condition: alerts.Condition{
			Aggregation:      metrics.Func(rc.Condition.Aggregation),
			Operator:         alerts.Operator(rc.Condition.Operator),
			Threshold:        rc.Condition.Threshold,
			TimeWindow:       rc.Condition.TimeWindow,
			EvaluationWindow: rc.Condition.EvaluationWindow,
		},
		Frequency:   rc.Frequency,
		For:         rc.For,
		Severity:    alerts.Severity(rc.Severity),
		Channels:    rc.Channels,
		Labels:      rc.Labels,
		Annotations: rc.Annotations,
		Enabled:     rc.IsEnabled(),
	}
}

func channelFromConfig(cc config.ChannelConfig) notify.Channel {
	name := cc.Name
	if name == "" {
		name = cc.ID
	}
	return notify.Channel{
		ID:      cc.ID,
		Name:    name,
		Type:    cc.Type,
		Config:  cc.ResolvedSettings(),
		Enabled: cc.IsEnabled(),
	}
}

func routesFromConfig(in []config.RouteConfig) []alerts.Route {
	out := make([]alerts.Route, 0, len(in))
	for _, r := range in {
		out = append(out, alerts.Route{Match: r.Match, Channels: r.Channels})
	}
	return out
}
