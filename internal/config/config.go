// Package config defines this subsystem's internal configuration
// structure: component-scoped sub-structs, defaults, and validation,
// mirroring the configuration layer every other component in this
// tree reads from at construction time.
package config

import (
	"errors"
	"time"
)

// DefaultServiceDomain is the mDNS domain every full name is built
// under; §4.3 assumes "local" throughout.
const DefaultServiceDomain = "local"

// DefaultDsoPort is the well-known DSO/DNS-over-TCP port, §4.5/§6.
const DefaultDsoPort = 853

// Backend selects which mdnsbackend.Backend implementation the
// subsystem drives.
type Backend string

const (
	BackendNative Backend = "native"
	BackendAvahi  Backend = "avahi"
)

// Config is the internal configuration structure every component is
// constructed from. A user-facing flag/file layer (cmd/otbr-dnssd)
// builds one of these; nothing below this package reads flags or
// files directly.
type Config struct {
	// Infra is the infrastructure network interface this subsystem
	// advertises and listens on. Required at enable time per spec §6's
	// "Environment" — the host system getter supplies it.
	Infra InfraConfig

	// Mdns configures the service-discovery core (PUB/SUB/MDB).
	Mdns MdnsConfig

	// Dso configures the DSO transport agent.
	Dso DsoConfig

	// Srpl configures the SRP-replication glue.
	Srpl SrplConfig

	// Log configures the component logger.
	Log LogConfig
}

// Default returns a Config with every field set to its documented
// default except InfraConfig.Name, which has no sensible default and
// must always be supplied by the caller.
func Default() *Config {
	return &Config{
		Infra: DefaultInfraConfig(),
		Mdns:  DefaultMdnsConfig(),
		Dso:   DefaultDsoConfig(),
		Srpl:  DefaultSrplConfig(),
		Log:   DefaultLogConfig(),
	}
}

// Validate checks every sub-config and reports the first error found.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := c.Infra.Validate(); err != nil {
		return err
	}
	if err := c.Mdns.Validate(); err != nil {
		return err
	}
	if err := c.Dso.Validate(); err != nil {
		return err
	}
	if err := c.Srpl.Validate(); err != nil {
		return err
	}
	return c.Log.Validate()
}

// InfraConfig names the network interface the mDNS backends and the
// DSO listener are scoped to.
type InfraConfig struct {
	// Name is the interface name (e.g. "eth0", "wpan0"). No default;
	// Validate rejects an empty value.
	Name string
}

// DefaultInfraConfig returns an InfraConfig with an empty Name —
// callers must fill this in before Validate passes.
func DefaultInfraConfig() InfraConfig {
	return InfraConfig{}
}

func (c InfraConfig) Validate() error {
	if c.Name == "" {
		return errors.New("config: infra interface name is required")
	}
	return nil
}

// MdnsConfig overrides the service-discovery core's domain and the
// backend variant it drives.
type MdnsConfig struct {
	// Domain overrides DefaultServiceDomain, for test environments that
	// run their own mDNS responder under a non-"local" domain.
	Domain string
	// Backend selects native or avahi.
	Backend Backend
	// QueryInterval is how often the native backend's browse/resolve
	// loops re-query, when Backend == BackendNative.
	QueryInterval time.Duration
}

// DefaultMdnsConfig returns the native backend over "local" with a
// 3-second query interval.
func DefaultMdnsConfig() MdnsConfig {
	return MdnsConfig{
		Domain:        DefaultServiceDomain,
		Backend:       BackendNative,
		QueryInterval: 3 * time.Second,
	}
}

func (c MdnsConfig) Validate() error {
	if c.Domain == "" {
		return errors.New("config: mdns domain is empty")
	}
	if c.Backend != BackendNative && c.Backend != BackendAvahi {
		return errors.New("config: mdns backend must be native or avahi")
	}
	if c.QueryInterval <= 0 {
		return errors.New("config: mdns query interval must be positive")
	}
	return nil
}

// DsoConfig configures the transport agent's listener.
type DsoConfig struct {
	// Port is the listening port; defaults to DefaultDsoPort (853).
	Port int

	// IdleTimeout forcibly closes a connection that exchanges no bytes
	// for this long. Zero (the default) disables idle reaping, leaving
	// connection lifetime entirely up to the DSO Keepalive TLV exchange.
	IdleTimeout time.Duration
}

// DefaultDsoConfig returns port 853 with idle reaping disabled.
func DefaultDsoConfig() DsoConfig {
	return DsoConfig{Port: DefaultDsoPort}
}

func (c DsoConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("config: dso port out of range")
	}
	if c.IdleTimeout < 0 {
		return errors.New("config: dso idle timeout must not be negative")
	}
	return nil
}

// SrplConfig seeds the SRP-replication glue's published instance.
type SrplConfig struct {
	// InstanceName is the base instance name tried before any
	// collision-driven rename.
	InstanceName string
	// Txt is the caller-supplied TXT seed published alongside the SRPL
	// instance (e.g. "rv=1", "tv=1.3.0").
	Txt map[string]string
}

// DefaultSrplConfig returns an empty TXT seed and no instance name —
// callers must fill InstanceName in before Validate passes.
func DefaultSrplConfig() SrplConfig {
	return SrplConfig{Txt: map[string]string{}}
}

func (c SrplConfig) Validate() error {
	if c.InstanceName == "" {
		return errors.New("config: srpl instance name is required")
	}
	return nil
}

// LogConfig configures the component logger's level and output shape.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// Format is "text" or "json".
	Format string
}

// DefaultLogConfig returns text output at info level.
func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Format: "text"}
}

func (c LogConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("config: log level must be debug, info, warn, or error")
	}
	switch c.Format {
	case "text", "json":
	default:
		return errors.New("config: log format must be text or json")
	}
	return nil
}
