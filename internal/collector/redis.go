package collector

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/obsidianstack/alertpipe/internal/metrics"
)

// redisStrategy reads INFO from a Redis server. Numeric fields become
// gauges named redis_<field> labelled with their section; keyspace lines
// become redis_db_<field>{db="dbN"}.
// Settings: db (int), sections ([]string, default all).
type redisStrategy struct {
	client   *redis.Client
	sections []string
	only     map[string]bool
}

func newRedisStrategy(c Collector) (Strategy, error) {
	src := c.Source
	opts := &redis.Options{
		Addr:         redisAddr(src),
		Username:     src.Auth.Username,
		Password:     src.Auth.Password,
		DB:           configInt(c.Config, "db"),
		DialTimeout:  src.deadline(),
		ReadTimeout:  src.deadline(),
		WriteTimeout: src.deadline(),
		PoolSize:     2,
	}
	if src.Scheme == "rediss" || strings.HasPrefix(src.Endpoint, "rediss://") {
		tlsCfg, err := buildTLSConfig(src)
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsCfg
	}
	return &redisStrategy{
		client:   redis.NewClient(opts),
		sections: configStrings(c.Config, "sections"),
		only:     declared(c),
	}, nil
}

// redisAddr strips any scheme from the endpoint and defaults the port.
func redisAddr(src Source) string {
	addr := src.Endpoint
	if i := strings.Index(addr, "://"); i >= 0 {
		addr = addr[i+3:]
	}
	addr = strings.TrimRight(addr, "/")
	if !strings.Contains(addr, ":") {
		addr += ":6379"
	}
	return addr
}

func (s *redisStrategy) Collect(ctx context.Context) ([]metrics.Metric, error) {
	info, err := s.client.Info(ctx, s.sections...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis info: %w", err)
	}
	out := parseRedisInfo(info, time.Now())
	if s.only == nil {
		return out, nil
	}
	kept := out[:0]
	for _, m := range out {
		if s.only[m.Name] {
			kept = append(kept, m)
		}
	}
	return kept, nil
}

func (s *redisStrategy) Close() error { return s.client.Close() }

// parseRedisInfo converts INFO output into gauges. Non-numeric fields are
// skipped.
func parseRedisInfo(info string, now time.Time) []metrics.Metric {
	var (
		out     []metrics.Metric
		section string
	)
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			section = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "#")))
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		if section == "keyspace" {
			for _, kv := range strings.Split(val, ",") {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					continue
				}
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					continue
				}
				m := gaugeAt("redis_db_"+k, f, now)
				m.Labels = map[string]string{"db": key}
				out = append(out, m)
			}
			continue
		}

		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			continue
		}
		m := gaugeAt("redis_"+key, f, now)
		if section != "" {
			m.Labels = map[string]string{"section": section}
		}
		out = append(out, m)
	}
	return out
}
