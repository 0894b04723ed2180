package collector

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
)

// maxBodyBytes caps how much of a response body a pull strategy reads.
const maxBodyBytes = 16 << 20

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	auth Auth
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	switch t.auth.Mode {
	case "apikey":
		req = req.Clone(req.Context())
		req.Header.Set(t.auth.Header, t.auth.Key)
	case "bearer":
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.auth.Token)
	case "basic":
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.auth.Username, t.auth.Password)
	}
	return t.base.RoundTrip(req)
}

// buildTLSConfig returns the dial options for src, loading client
// certificates for mtls.
func buildTLSConfig(src Source) (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: src.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}
	if src.Auth.Mode != "mtls" {
		return cfg, nil
	}

	cert, err := tls.LoadX509KeyPair(src.Auth.CertFile, src.Auth.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}
	cfg.Certificates = []tls.Certificate{cert}

	if src.Auth.CAFile != "" {
		caPEM, err := os.ReadFile(src.Auth.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs found in ca file %q", src.Auth.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// buildHTTPClient constructs an http.Client for the source's auth and TLS
// settings. The client is built once per collector and reused.
func buildHTTPClient(src Source) (*http.Client, error) {
	tlsCfg, err := buildTLSConfig(src)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: &authRoundTripper{
			base: &http.Transport{TLSClientConfig: tlsCfg},
			auth: src.Auth,
		},
		Timeout: src.deadline(),
	}, nil
}

// httpSource is the shared part of every HTTP pull strategy.
type httpSource struct {
	src    Source
	url    string
	client *http.Client
}

func newHTTPSource(src Source) (*httpSource, error) {
	client, err := buildHTTPClient(src)
	if err != nil {
		return nil, fmt.Errorf("build http client: %w", err)
	}
	return &httpSource{src: src, url: src.URL(), client: client}, nil
}

// get performs a GET and returns the body of a 200 response.
func (h *httpSource) get(ctx context.Context, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if h.src.ScrapeTimeout > 0 {
		req.Header.Set("X-Prometheus-Scrape-Timeout-Seconds",
			strconv.FormatFloat(h.src.ScrapeTimeout.Seconds(), 'f', -1, 64))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (h *httpSource) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
