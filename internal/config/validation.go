package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// validSSLModes are the SSL modes pgx accepts.
var validSSLModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// Validate checks the configuration and fails fast with sentinel errors.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ServerAddr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidServerAddr, c.ServerAddr, err)
	}

	u, err := url.Parse(c.OllamaHost)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %q (expected http(s)://host:port)", ErrInvalidOllamaHost, c.OllamaHost)
	}

	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: model name is empty", ErrInvalidModel)
	}

	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d (must be 1-65535)", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return fmt.Errorf("%w: database name is empty", ErrInvalidPostgresDBName)
	}
	if !validSSLModes[c.PostgresSSLMode] {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSL, c.PostgresSSLMode)
	}

	if c.TitleMaxLength < 1 {
		return fmt.Errorf("%w: %d (must be positive)", ErrInvalidTitleLength, c.TitleMaxLength)
	}
	if c.MaxMessageChars < 1 {
		return fmt.Errorf("%w: %d (must be positive)", ErrInvalidMessageLimit, c.MaxMessageChars)
	}
	if c.StreamIdleTimeout < 0 {
		return fmt.Errorf("%w: %s (must not be negative)", ErrInvalidIdleTimeout, c.StreamIdleTimeout)
	}

	if c.RateLimit <= 0 || c.RateBurst < 1 {
		return fmt.Errorf("%w: limit=%g burst=%d", ErrInvalidRateLimit, c.RateLimit, c.RateBurst)
	}
	return nil
}
