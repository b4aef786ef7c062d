package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Defaults applied by Validate when the config file leaves a field unset.
const (
	DefaultPath = "/etc/pathsteer/config.json"

	defaultSampleRateHz       = 10
	defaultRTTStepThresholdMs = 80
	defaultRTTStepWindowMs    = 300
	defaultProbeMissCount     = 2
	defaultProbeMissWindowMs  = 500
	defaultRSRPDropDBm        = -120
	defaultSINRDropDB         = 0
	defaultPrerollMs          = 500
	defaultDupSettleMs        = 50
	defaultMinHoldSec         = 3
	defaultCleanExitSec       = 2
	defaultRunDir             = "/run/pathsteer"
	defaultLogDir             = "/var/log/pathsteer"
	defaultProbeTarget        = "1.1.1.1"
)

// UplinkConfig describes one WAN uplink and the plumbing the boot scripts
// built for it. Veth names refer to the service-IP namespace side.
type UplinkConfig struct {
	Name           string `json:"name"`
	Kind           string `json:"kind"` // lte | sat | fiber
	Enabled        *bool  `json:"enabled,omitempty"`
	Interface      string `json:"interface"`
	Namespace      string `json:"namespace"`
	EgressVeth     string `json:"veth"`
	ServiceVeth    string `json:"service_veth"`
	ServiceGateway string `json:"service_gateway"`
	// Identifier is kind-specific: the modem index for LTE, the dish RPC
	// address for sat, unused for fiber.
	Identifier string `json:"identifier,omitempty"`
	// ProbeTarget is the probe address (default 1.1.1.1). LTE uplinks use
	// it only when no controllers are configured.
	ProbeTarget string `json:"probe_target,omitempty"`
}

// Config is the engine configuration loaded from CONFIG_PATH.
type Config struct {
	SampleRateHz       int     `json:"sample_rate_hz"`
	RTTStepThresholdMs float64 `json:"rtt_step_threshold_ms"`
	RTTStepWindowMs    int     `json:"rtt_step_window_ms"`
	ProbeMissCount     int     `json:"probe_miss_count"`
	ProbeMissWindowMs  int     `json:"probe_miss_window_ms"`
	RSRPDropDBm        float64 `json:"rsrp_drop_threshold_db"`
	SINRDropDB         float64 `json:"sinr_drop_threshold_db"`
	PrerollMs          int     `json:"preroll_ms"`
	DupSettleMs        int     `json:"dup_settle_ms"`
	MinHoldSec         int     `json:"min_hold_sec"`
	CleanExitSec       int     `json:"clean_exit_sec"`
	GPSEnabled         bool    `json:"gps_enabled"`

	// Service addressing. The prefix is deliberately a parameter; deployments
	// have carried different /28s and the engine must not hardcode one.
	ServiceVIP       string `json:"service_vip"`
	ServicePrefix    string `json:"service_prefix"`
	ServiceNamespace string `json:"service_namespace"`

	// Controller endpoints the edge tunnels terminate on. The LTE radio-leg
	// probe targets the public address of the first controller.
	Controllers []string `json:"controllers"`

	RunDir string `json:"run_dir"`
	LogDir string `json:"log_dir"`

	Uplinks []UplinkConfig `json:"uplinks"`
}

// Load reads and validates the config file. A load failure is fatal to the
// daemon; there is no usable degraded mode without uplink definitions.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate verifies required fields and applies defaults for the rest.
func (c *Config) Validate() error {
	if len(c.Uplinks) == 0 {
		return errors.New("at least one uplink is required")
	}
	seen := map[string]bool{}
	for i := range c.Uplinks {
		u := &c.Uplinks[i]
		if u.Name == "" {
			return fmt.Errorf("uplink %d: name is required", i)
		}
		if seen[u.Name] {
			return fmt.Errorf("uplink %q: duplicate name", u.Name)
		}
		seen[u.Name] = true
		switch u.Kind {
		case "lte", "sat", "fiber":
		case "":
			return fmt.Errorf("uplink %q: kind is required", u.Name)
		default:
			return fmt.Errorf("uplink %q: unknown kind %q", u.Name, u.Kind)
		}
		if u.Interface == "" {
			return fmt.Errorf("uplink %q: interface is required", u.Name)
		}
		if u.ServiceVeth == "" {
			return fmt.Errorf("uplink %q: service_veth is required", u.Name)
		}
		if u.ServiceGateway == "" {
			return fmt.Errorf("uplink %q: service_gateway is required", u.Name)
		}
		if u.ProbeTarget == "" {
			u.ProbeTarget = defaultProbeTarget
		}
	}
	if c.ServiceVIP == "" {
		return errors.New("service_vip is required")
	}
	if c.ServiceNamespace == "" {
		return errors.New("service_namespace is required")
	}

	if c.SampleRateHz <= 0 {
		c.SampleRateHz = defaultSampleRateHz
	}
	if c.RTTStepThresholdMs <= 0 {
		c.RTTStepThresholdMs = defaultRTTStepThresholdMs
	}
	if c.RTTStepWindowMs <= 0 {
		c.RTTStepWindowMs = defaultRTTStepWindowMs
	}
	if c.ProbeMissCount <= 0 {
		c.ProbeMissCount = defaultProbeMissCount
	}
	if c.ProbeMissWindowMs <= 0 {
		c.ProbeMissWindowMs = defaultProbeMissWindowMs
	}
	if c.RSRPDropDBm == 0 {
		c.RSRPDropDBm = defaultRSRPDropDBm
	}
	if c.SINRDropDB == 0 {
		c.SINRDropDB = defaultSINRDropDB
	}
	if c.PrerollMs <= 0 {
		c.PrerollMs = defaultPrerollMs
	}
	if c.DupSettleMs <= 0 {
		c.DupSettleMs = defaultDupSettleMs
	}
	if c.MinHoldSec <= 0 {
		c.MinHoldSec = defaultMinHoldSec
	}
	if c.CleanExitSec <= 0 {
		c.CleanExitSec = defaultCleanExitSec
	}
	if c.RunDir == "" {
		c.RunDir = defaultRunDir
	}
	if c.LogDir == "" {
		c.LogDir = defaultLogDir
	}
	return nil
}

// UplinkEnabled reports the effective enabled flag for an uplink config;
// absent means enabled.
func (u *UplinkConfig) UplinkEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}
