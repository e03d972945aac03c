// Package config implements the configuration surface of the secure-channel
// core: a [Config] object with functional options, plus a parser for the
// subset of the OpenVPN config-file format we understand (credentials,
// tls-crypt, replay protection and key transition tuning).
package config

import (
	"time"

	"github.com/apex/log"

	"github.com/Blyss1987/openvpn/internal/model"
	"github.com/Blyss1987/openvpn/internal/tlsctx"
)

const (
	// defaultReplayWindow is the anti-replay window width used when the
	// config does not set replay-window.
	defaultReplayWindow = 128

	// defaultReplayTime is the long-form timestamp tolerance used when
	// the config does not set one.
	defaultReplayTime = 15 * time.Second

	// defaultTranWindow is the key transition window used when the
	// config does not set tran-window.
	defaultTranWindow = 60 * time.Second
)

// Config contains options to initialize the secure-channel core.
type Config struct {
	logger         model.Logger
	openvpnOptions *OpenVPNOptions
}

// NewConfig returns a Config ready to be used by the rest of the modules.
func NewConfig(options ...Option) *Config {
	cfg := &Config{
		logger:         log.Log,
		openvpnOptions: &OpenVPNOptions{},
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// Option is an option you can pass to initialize [Config].
type Option func(config *Config)

// WithLogger configures the passed [model.Logger].
func WithLogger(logger model.Logger) Option {
	return func(config *Config) {
		config.logger = logger
	}
}

// WithOpenVPNOptions configures the passed [OpenVPNOptions].
func WithOpenVPNOptions(openvpnOptions *OpenVPNOptions) Option {
	return func(config *Config) {
		config.openvpnOptions = openvpnOptions
	}
}

// WithConfigFile configures OpenVPNOptions parsed from the given file.
func WithConfigFile(configPath string) Option {
	return func(config *Config) {
		openvpnOptions, err := ReadConfigFile(configPath)
		if err != nil {
			config.logger.Warnf("cannot parse config file: %s", err.Error())
			return
		}
		config.openvpnOptions = openvpnOptions
	}
}

// Logger returns the configured logger.
func (c *Config) Logger() model.Logger {
	return c.logger
}

// OpenVPNOptions returns the configured openvpn options.
func (c *Config) OpenVPNOptions() *OpenVPNOptions {
	return c.openvpnOptions
}

// ReplayWindow returns the anti-replay window width in packets.
func (c *Config) ReplayWindow() int {
	if c.openvpnOptions.ReplayWindow > 0 {
		return c.openvpnOptions.ReplayWindow
	}
	return defaultReplayWindow
}

// ReplayTime returns the long-form timestamp tolerance.
func (c *Config) ReplayTime() time.Duration {
	if c.openvpnOptions.ReplayTime > 0 {
		return c.openvpnOptions.ReplayTime
	}
	return defaultReplayTime
}

// TranWindow returns the key transition window during which the previous
// key epoch keeps receiving.
func (c *Config) TranWindow() time.Duration {
	if c.openvpnOptions.TranWindow > 0 {
		return c.openvpnOptions.TranWindow
	}
	return defaultTranWindow
}

// CASource returns the CA material as a loader source, or a zero source
// when the config carries none.
func (c *Config) CASource() tlsctx.Source {
	return sourceFor(c.openvpnOptions.CAFile, c.openvpnOptions.CA)
}

// CertSource returns the certificate material as a loader source.
func (c *Config) CertSource() tlsctx.Source {
	return sourceFor(c.openvpnOptions.CertFile, c.openvpnOptions.Cert)
}

// KeySource returns the private key material as a loader source.
func (c *Config) KeySource() tlsctx.Source {
	return sourceFor(c.openvpnOptions.KeyFile, c.openvpnOptions.Key)
}

func sourceFor(path string, inline []byte) tlsctx.Source {
	if path != "" {
		return tlsctx.FileSource(path)
	}
	if len(inline) != 0 {
		return tlsctx.InlineSource(inline)
	}
	return tlsctx.Source{}
}
