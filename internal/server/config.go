package server

import (
	"net"
	"strconv"
	"time"
)

// Config holds the ops server configuration.
// cmd/deployer reads it from DREAMDEPLOY_SERVER_HOST, DREAMDEPLOY_SERVER_PORT
// and DREAMDEPLOY_SERVER_READ_HEADER_TIMEOUT.
type Config struct {
	Host              string        `env:"HOST"`                // default: "127.0.0.1"
	Port              int           `env:"PORT"`                // default: 9090
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT"` // default: 10s
}

func (c *Config) addr() string {
	return net.JoinHostPort(c.host(), strconv.Itoa(c.port()))
}

func (c *Config) host() string {
	h := c.Host
	if h == "" {
		h = "127.0.0.1"
	}
	return h
}

func (c *Config) port() int {
	p := c.Port
	if p == 0 {
		p = 9090
	}
	return p
}

func (c *Config) readHeaderTimeout() time.Duration {
	d := c.ReadHeaderTimeout
	if d <= 0 {
		d = 10 * time.Second
	}
	return d
}
