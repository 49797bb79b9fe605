package kurrentdb

import (
	"fmt"
	"net/url"

	"github.com/carebridge/telesync/internal/shared/config"
)

// Config holds KurrentDB connection configuration.
type Config struct {
	// Host is the KurrentDB server hostname
	Host string
	// Port is the KurrentDB gRPC/HTTP port (default 2113)
	Port int
	// Insecure disables TLS (for development)
	Insecure bool
	// Username for authentication (optional for insecure mode)
	Username string
	// Password for authentication (optional for insecure mode)
	Password string
	// ErrorStream receives forwarded sync error events
	ErrorStream string
}

// FromConfig builds the connection configuration from the platform config.
func FromConfig(cfg config.KurrentDBConfig) *Config {
	stream := cfg.ErrorStream
	if stream == "" {
		stream = DefaultErrorStream
	}
	return &Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		Insecure:    cfg.Insecure,
		Username:    cfg.Username,
		Password:    cfg.Password,
		ErrorStream: stream,
	}
}

// ConnectionString returns the esdb:// connection string for EventStore client.
func (c *Config) ConnectionString() string {
	var auth string
	if c.Username != "" && c.Password != "" {
		auth = fmt.Sprintf("%s:%s@", url.QueryEscape(c.Username), url.QueryEscape(c.Password))
	}

	var tls string
	if c.Insecure {
		tls = "?tls=false"
	}

	return fmt.Sprintf("esdb://%s%s:%d%s", auth, c.Host, c.Port, tls)
}
