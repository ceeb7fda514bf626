package worker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
)

const proxyModeEnv = "AGENTD_PROXY_MODE"

const proxyDialTimeout = 300 * time.Millisecond

type proxyMode uint8

const (
	proxyModeAuto proxyMode = iota
	proxyModeStrict
	proxyModeDirect
)

// newHTTPClient returns a client for worker calls. Workers usually run next to
// the core, so loopback targets never go through a proxy, and an unreachable
// loopback proxy is bypassed unless AGENTD_PROXY_MODE=strict.
func newHTTPClient(timeout time.Duration, logger logging.Logger) *http.Client {
	base, ok := http.DefaultTransport.(*http.Transport)
	transport := &http.Transport{}
	if ok {
		transport = base.Clone()
	}
	transport.Proxy = (&proxyPolicy{mode: proxyModeFromEnv(), logger: logging.OrNop(logger)}).resolve
	return &http.Client{Timeout: timeout, Transport: transport}
}

type proxyPolicy struct {
	mode   proxyMode
	logger logging.Logger

	bypass sync.Map // proxy url -> bool
	warned sync.Map
}

func (p *proxyPolicy) resolve(req *http.Request) (*url.URL, error) {
	switch p.mode {
	case proxyModeDirect:
		return nil, nil
	case proxyModeStrict:
		return http.ProxyFromEnvironment(req)
	}
	if req == nil || req.URL == nil {
		return http.ProxyFromEnvironment(req)
	}
	if isLoopbackHost(req.URL.Hostname()) {
		return nil, nil
	}

	proxyURL, err := http.ProxyFromEnvironment(req)
	if proxyURL == nil || err != nil || !isLoopbackHost(proxyURL.Hostname()) {
		return proxyURL, err
	}

	key := proxyURL.String()
	if skip, ok := p.bypass.Load(key); ok {
		if skip.(bool) {
			return nil, nil
		}
		return proxyURL, nil
	}
	if proxyReachable(req.Context(), proxyURL) {
		p.bypass.Store(key, false)
		return proxyURL, nil
	}
	p.bypass.Store(key, true)
	if _, loaded := p.warned.LoadOrStore(key, struct{}{}); !loaded {
		p.logger.Warn("[Worker] local proxy %s is unreachable; calling the worker directly (set %s=strict to disable)", proxyURL.Redacted(), proxyModeEnv)
	}
	return nil, nil
}

func proxyModeFromEnv() proxyMode {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(proxyModeEnv))) {
	case "strict":
		return proxyModeStrict
	case "direct", "none", "off":
		return proxyModeDirect
	default:
		return proxyModeAuto
	}
}

func isLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

func proxyReachable(ctx context.Context, proxyURL *url.URL) bool {
	port := proxyURL.Port()
	if port == "" {
		switch strings.ToLower(proxyURL.Scheme) {
		case "https":
			port = "443"
		case "socks5", "socks5h":
			port = "1080"
		default:
			port = "80"
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	dialer := net.Dialer{Timeout: proxyDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(proxyURL.Hostname(), port))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// validateEndpoint checks that raw is an absolute http(s) URL.
func validateEndpoint(name, raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%s is required", name)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%s: unsupported scheme %q", name, parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("%s: host is required", name)
	}
	return parsed, nil
}
