// Package config loads the tunables governing timeout, heartbeat, and
// cleanup cadences from an optional file plus environment overrides.
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Tunables mirrors the configuration enumeration in the protocol's
// external interface: every knob a socket or server exposes a setter for,
// plus the fixed protocol constants a deployment may still want to override
// for testing.
type Tunables struct {
	TimeoutDelay   time.Duration `mapstructure:"timeout_delay"`
	HeartbeatDelay time.Duration `mapstructure:"heartbeat_delay"`
	AckInterval    time.Duration `mapstructure:"ack_interval"`
	CleanupGrace   time.Duration `mapstructure:"cleanup_grace"`
	ReapDelay      time.Duration `mapstructure:"reap_delay"`
}

// Defaults returns the tunables defined by the protocol when no
// configuration is supplied.
func Defaults() Tunables {
	return Tunables{
		TimeoutDelay:   10 * time.Second,
		HeartbeatDelay: 1 * time.Second,
		AckInterval:    50 * time.Millisecond,
		CleanupGrace:   5 * time.Second,
		ReapDelay:      10 * time.Second,
	}
}

// Load reads tunables from an optional config file (if path is non-empty)
// and from RUDP_-prefixed environment variables, falling back to Defaults
// for anything unset.
func Load(path string) (Tunables, error) {
	v := viper.New()
	v.SetEnvPrefix("RUDP")
	v.AutomaticEnv()

	def := Defaults()
	v.SetDefault("timeout_delay", def.TimeoutDelay)
	v.SetDefault("heartbeat_delay", def.HeartbeatDelay)
	v.SetDefault("ack_interval", def.AckInterval)
	v.SetDefault("cleanup_grace", def.CleanupGrace)
	v.SetDefault("reap_delay", def.ReapDelay)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Tunables{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var out Tunables
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(&out, viper.DecodeHook(decodeHook)); err != nil {
		return Tunables{}, fmt.Errorf("config: decoding: %w", err)
	}
	return out, nil
}
