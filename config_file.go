package netsio

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// LoadConfigFile overlays settings from an ini file (section [hub]) onto
// base. Any key absent from the file leaves base's value untouched.
func LoadConfigFile(path string, base Config) (Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return base, fmt.Errorf("load config file %s: %w", path, err)
	}
	if !f.HasSection("hub") {
		return base, nil
	}
	sec := f.Section("hub")
	cfg := base

	if k := sec.Key("host_addr"); k.String() != "" {
		cfg.HostAddr = k.String()
	}
	if k := sec.Key("peripheral_addr"); k.String() != "" {
		cfg.PeripheralAddr = k.String()
	}
	if sec.HasKey("default_credit") {
		cfg.DefaultCredit = sec.Key("default_credit").MustInt(cfg.DefaultCredit)
	}
	if sec.HasKey("alive_expiration_ms") {
		cfg.AliveExpiration = time.Duration(sec.Key("alive_expiration_ms").MustInt(int(cfg.AliveExpiration/time.Millisecond))) * time.Millisecond
	}
	if sec.HasKey("sync_timeout_ms") {
		cfg.SyncTimeout = time.Duration(sec.Key("sync_timeout_ms").MustInt(int(cfg.SyncTimeout/time.Millisecond))) * time.Millisecond
	}
	if sec.HasKey("coalesce_threshold") {
		cfg.CoalesceThreshold = sec.Key("coalesce_threshold").MustInt(cfg.CoalesceThreshold)
	}
	if sec.HasKey("coalesce_window_ms") {
		cfg.CoalesceWindow = time.Duration(sec.Key("coalesce_window_ms").MustInt(int(cfg.CoalesceWindow/time.Millisecond))) * time.Millisecond
	}
	if sec.HasKey("host_outbound_bound") {
		cfg.HostOutboundBound = sec.Key("host_outbound_bound").MustInt(cfg.HostOutboundBound)
	}
	if sec.HasKey("peripheral_outbound_bound") {
		cfg.PeripheralOutbound = sec.Key("peripheral_outbound_bound").MustInt(cfg.PeripheralOutbound)
	}
	if sec.HasKey("debug") {
		cfg.Debug = sec.Key("debug").MustBool(cfg.Debug)
	}
	if k := sec.Key("serial_device"); k.String() != "" {
		cfg.SerialDevice = k.String()
	}
	return cfg, nil
}
