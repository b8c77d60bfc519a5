package main

import (
	"encoding/json"
	"os"

	"github.com/openthread/otbr-dnssd/internal/config"
)

// loadConfigFile reads a JSON-encoded config.Config from path. Fields
// left out of the file keep whatever Default() already put there,
// since cfg is decoded into an already-populated struct.
func loadConfigFile(path string, cfg *config.Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path, expected
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// applyEnvOverrides applies the OTBR_DNSSD_* environment variables,
// which sit below flags and above the config file's own defaults but
// above Default()'s.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("OTBR_DNSSD_INFRA_IFACE"); v != "" {
		cfg.Infra.Name = v
	}
	if v := os.Getenv("OTBR_DNSSD_SRPL_INSTANCE"); v != "" {
		cfg.Srpl.InstanceName = v
	}
	if v := os.Getenv("OTBR_DNSSD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
