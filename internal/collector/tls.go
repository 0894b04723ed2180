package collector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"time"

	"github.com/obsidianstack/alertpipe/internal/metrics"
)

// tlsStrategy dials an https endpoint and reports on its leaf certificate:
//
//	tls_cert_days_left
//	tls_cert_not_after_seconds
//	tls_cert_expired (1 when already expired)
//
// each labelled with endpoint and issuer.
type tlsStrategy struct {
	src  Source
	host string
}

func validateTLS(c *Collector) []string {
	u, err := url.Parse(c.Source.URL())
	if err != nil || u.Scheme != "https" {
		return []string{"tls collectors need an https endpoint"}
	}
	return nil
}

func newTLSStrategy(c Collector) (Strategy, error) {
	u, err := url.Parse(c.Source.URL())
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "443")
	}
	return &tlsStrategy{src: c.Source, host: host}, nil
}

func (s *tlsStrategy) Collect(ctx context.Context) ([]metrics.Metric, error) {
	cfg, err := buildTLSConfig(s.src)
	if err != nil {
		return nil, err
	}
	dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: cfg}

	netConn, err := dialer.DialContext(ctx, "tcp", s.host)
	if err != nil {
		return nil, fmt.Errorf("tls dial %s: %w", s.host, err)
	}
	conn := netConn.(*tls.Conn)
	defer conn.Close()

	peers := conn.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		return nil, errors.New("server presented no certificate")
	}

	leaf := peers[0]
	now := time.Now()
	daysLeft := math.Floor(leaf.NotAfter.Sub(now).Hours() / 24)
	expired := 0.0
	if !now.Before(leaf.NotAfter) {
		expired = 1
	}

	labels := map[string]string{"endpoint": s.host, "issuer": leaf.Issuer.CommonName}
	out := []metrics.Metric{
		gaugeAt("tls_cert_days_left", daysLeft, now),
		gaugeAt("tls_cert_not_after_seconds", float64(leaf.NotAfter.Unix()), now),
		gaugeAt("tls_cert_expired", expired, now),
	}
	for i := range out {
		out[i].Labels = withLabel(labels, "subject", leaf.Subject.CommonName)
	}
	out[0].Unit = "days"
	out[1].Unit = "seconds"
	return out, nil
}
