package metrics

import (
	"fmt"
	"path"
	"time"
)

// RetentionOverride sets retention and default query resolution for every
// metric whose name matches Pattern (path.Match syntax, e.g. "http_*").
// A zero Retention or Resolution leaves that setting at its default.
type RetentionOverride struct {
	Pattern    string        `yaml:"pattern" json:"pattern"`
	Retention  time.Duration `yaml:"retention" json:"retention,omitempty"`
	Resolution time.Duration `yaml:"resolution" json:"resolution,omitempty"`
}

// SetRetentionOverrides replaces the active overrides. The first matching
// pattern wins. It fails without changing anything if a pattern is malformed.
func (s *Store) SetRetentionOverrides(overrides []RetentionOverride) error {
	for _, o := range overrides {
		if _, err := path.Match(o.Pattern, ""); err != nil {
			return fmt.Errorf("metrics: retention pattern %q: %w", o.Pattern, err)
		}
	}
	cp := append([]RetentionOverride(nil), overrides...)

	s.overrideMu.Lock()
	s.overrides = cp
	s.overrideMu.Unlock()
	return nil
}

func (s *Store) override(name string) (RetentionOverride, bool) {
	s.overrideMu.RLock()
	defer s.overrideMu.RUnlock()
	for _, o := range s.overrides {
		if ok, _ := path.Match(o.Pattern, name); ok {
			return o, true
		}
	}
	return RetentionOverride{}, false
}

// retentionFor resolves retention as override > definition > store default.
func (s *Store) retentionFor(name string) time.Duration {
	if o, ok := s.override(name); ok && o.Retention > 0 {
		return o.Retention
	}
	if def, ok := s.Definition(name); ok && def.Retention > 0 {
		return def.Retention
	}
	return s.opts.DefaultRetention
}

func (s *Store) resolutionFor(name string) time.Duration {
	if o, ok := s.override(name); ok && o.Resolution > 0 {
		return o.Resolution
	}
	return s.opts.DefaultResolution
}
