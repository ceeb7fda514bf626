package config

import (
	"fmt"
	"net/url"

	"gopkg.in/yaml.v3"

	"github.com/walkerhughes/agent-sandboxing/internal/infra/observability"
)

// Redacted returns a copy of cfg with secrets masked.
func (c Config) Redacted() Config {
	out := c
	out.Webhook.Secret = observability.RedactSecret(c.Webhook.Secret)
	out.Worker.Token = observability.RedactSecret(c.Worker.Token)
	out.Store.DSN = redactDSN(c.Store.DSN)
	out.CORS.AllowedOrigins = append([]string(nil), c.CORS.AllowedOrigins...)
	return out
}

// Render returns the effective configuration as YAML with secrets masked.
func Render(cfg Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	return out, nil
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.User == nil {
		return observability.RedactSecret(dsn)
	}
	return parsed.Redacted()
}
