// Package config implements the configuration surface recognized by
// both endpoints (spec.md §6.4), with defaults, validation, and
// environment-variable overrides layered the way nabbar-golib and
// linkerd2 use viper for config: defaults first, then environment.
package config

import (
	"fmt"
	"net"

	"github.com/spf13/viper"
)

// Config is the recognized option set from spec.md §6.4.
type Config struct {
	ServerBackendHostname string

	RelayBackendPublicKey []byte
	ServerBackendPublicKey []byte

	BuyerPublicKey  []byte
	BuyerPrivateKey []byte

	DisableNetworkNext bool
	DisableAutodetect  bool

	SocketSendBufferSize    int
	SocketReceiveBufferSize int

	Datacenter    string
	ServerAddress string
	BindAddress   string
}

const defaultBackendHostname = "backend.overlay.invalid:40000"

// DefaultConfig returns a Config with the package's baseline defaults,
// matching the teacher's DefaultConfig()/Validate() pattern.
func DefaultConfig() *Config {
	return &Config{
		ServerBackendHostname:   defaultBackendHostname,
		SocketSendBufferSize:    1_000_000,
		SocketReceiveBufferSize: 1_000_000,
		BindAddress:             "0.0.0.0:0",
	}
}

// LoadFromEnv applies the spec's environment-variable overrides
// (NEXT_DATACENTER, NEXT_SERVER_ADDRESS, NEXT_BIND_ADDRESS,
// NEXT_SERVER_BACKEND_PORT) on top of c's current values, using viper
// for the env lookup/binding the way nabbar-golib layers config
// sources.
func (c *Config) LoadFromEnv() {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	if dc := v.GetString("NEXT_DATACENTER"); dc != "" {
		c.Datacenter = dc
	}
	if sa := v.GetString("NEXT_SERVER_ADDRESS"); sa != "" {
		c.ServerAddress = sa
	}
	if ba := v.GetString("NEXT_BIND_ADDRESS"); ba != "" {
		c.BindAddress = ba
	}
	if port := v.GetString("NEXT_SERVER_BACKEND_PORT"); port != "" {
		host, _, err := net.SplitHostPort(c.ServerBackendHostname)
		if err != nil {
			host = c.ServerBackendHostname
		}
		c.ServerBackendHostname = net.JoinHostPort(host, port)
	}
}

// Validate clamps and checks the configuration, matching the
// teacher's config.Validate() clamp-to-safe-ranges approach. It
// returns a ConfigurationFatal-class error (spec.md §7) rather than
// silently repairing anything load-bearing.
func (c *Config) Validate(serverMode bool) error {
	if c.SocketSendBufferSize <= 0 {
		c.SocketSendBufferSize = 1_000_000
	}
	if c.SocketReceiveBufferSize <= 0 {
		c.SocketReceiveBufferSize = 1_000_000
	}

	if !c.DisableNetworkNext {
		if _, _, err := net.SplitHostPort(c.ServerBackendHostname); err != nil {
			return fmt.Errorf("config: invalid server_backend_hostname %q: %w", c.ServerBackendHostname, err)
		}
	}

	if serverMode {
		if c.ServerAddress == "" {
			return fmt.Errorf("config: server_address is required in server mode")
		}
		if !c.DisableNetworkNext && len(c.BuyerPrivateKey) == 0 {
			return fmt.Errorf("config: buyer_private_key is required unless disable_network_next is set")
		}
	}

	return nil
}
