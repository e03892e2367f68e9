package main

import (
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/k11v/dreamdeploy/internal/postgresutil"
	"github.com/k11v/dreamdeploy/internal/server"
)

const (
	swapStrategySymlink  = "symlink"
	swapStrategyHardLink = "hardlink"
)

// config holds the application configuration.
type config struct {
	Development bool                `env:"DREAMDEPLOY_DEVELOPMENT"`
	Postgres    postgresutil.Config `envPrefix:"DREAMDEPLOY_POSTGRES_"`
	Server      server.Config       `envPrefix:"DREAMDEPLOY_SERVER_"`
	AMQP        amqpConfig          `envPrefix:"DREAMDEPLOY_AMQP_"`
	S3          s3Config            `envPrefix:"DREAMDEPLOY_S3_"`
	Build       buildConfig         `envPrefix:"DREAMDEPLOY_BUILD_"`
	Toolchain   toolchainConfig     `envPrefix:"DREAMDEPLOY_TOOLCHAIN_"`

	RepositoryDir   string `env:"DREAMDEPLOY_REPOSITORY_DIR,required"`
	StaticFilesRoot string `env:"DREAMDEPLOY_STATIC_FILES_ROOT,required"`
	EventScriptsDir string `env:"DREAMDEPLOY_EVENT_SCRIPTS_DIR"` // empty means no scripts
}

type amqpConfig struct {
	URL string `env:"URL,required"`
}

type s3Config struct {
	URL    string `env:"URL"` // empty means the output isn't archived
	Bucket string `env:"BUCKET"`
}

func (c *s3Config) bucket() string {
	b := c.Bucket
	if b == "" {
		b = "dreamdeploy"
	}
	return b
}

type buildConfig struct {
	Root              string        `env:"ROOT,required"`
	SwapStrategy      string        `env:"SWAP_STRATEGY"`      // default: "symlink"
	MirrorConcurrency int           `env:"MIRROR_CONCURRENCY"` // default: 8
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL"`   // default: 1h
}

func (c *buildConfig) swapStrategy() string {
	s := c.SwapStrategy
	if s == "" {
		s = swapStrategySymlink
	}
	return s
}

func (c *buildConfig) mirrorConcurrency() int {
	n := c.MirrorConcurrency
	if n <= 0 {
		n = 8
	}
	return n
}

func (c *buildConfig) cleanupInterval() time.Duration {
	d := c.CleanupInterval
	if d <= 0 {
		d = time.Hour
	}
	return d
}

type toolchainConfig struct {
	Root    string `env:"ROOT,required"`
	Version string `env:"VERSION"` // empty means the latest installed version
	Keep    int    `env:"KEEP"`    // installed versions kept on startup, 0 keeps all
}

// parseConfig parses the application configuration from the environment variables.
func parseConfig(environ []string) (*config, error) {
	var cfg config

	err := env.ParseWithOptions(&cfg, env.Options{
		Environment: env.ToMap(environ),
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
