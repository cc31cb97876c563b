// Package config loads and validates talond's configuration.
//
// A configuration is read once at startup from a default set of values,
// overlaid with a JSON file (or directory of JSON files, merged in
// lexical order), and is immutable for the life of the process.
package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Flavor selects which optional subsystems the daemon exposes.
type Flavor string

const (
	// FlavorFull enables focus control and the external security interlock.
	FlavorFull Flavor = "full"
	// FlavorLite omits focus control and the security interlock.
	FlavorLite Flavor = "lite"
)

// Limits is a signed, ascending (negative, positive) soft-limit pair in
// degrees.
type Limits struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// Within reports whether deg lies in [Min, Max].
func (l Limits) Within(deg float64) bool {
	return deg >= l.Min && deg <= l.Max
}

// ParkPosition is a named, safe mechanical pose. Exactly one of the two
// coordinate pairs is populated.
type ParkPosition struct {
	Description string `mapstructure:"description"`

	HasAltAz bool    `mapstructure:"-"`
	AltDeg   float64 `mapstructure:"alt_deg"`
	AzDeg    float64 `mapstructure:"az_deg"`

	HasEncoder bool    `mapstructure:"-"`
	HAEnc      float64 `mapstructure:"ha_enc"`
	DecEnc     float64 `mapstructure:"dec_enc"`
}

// Timeouts bundles every blocking-wait timeout the dispatcher honors.
type Timeouts struct {
	Initialization time.Duration `mapstructure:"initialization"`
	Slew           time.Duration `mapstructure:"slew"`
	Focus          time.Duration `mapstructure:"focus"`
	Homing         time.Duration `mapstructure:"homing"`
	Limit          time.Duration `mapstructure:"limit"`
	Cover          time.Duration `mapstructure:"cover"`
	Ping           time.Duration `mapstructure:"ping"`
}

// Interlock holds the handle+key used to reach the external security
// system. Only meaningful for FlavorFull.
type Interlock struct {
	Addr string `mapstructure:"addr"`
	Key  string `mapstructure:"key"`
}

// Config is talond's immutable, process-wide configuration.
type Config struct {
	// ControlClients is the set of caller identities (peer host
	// addresses, as delivered by the RPC transport) allowed to issue
	// non-status, non-ping commands.
	ControlClients []string `mapstructure:"control_clients"`

	// RPCName is the handle under which talond registers itself with
	// the RPC transport.
	RPCName string `mapstructure:"rpc_name"`
	RPCAddr string `mapstructure:"rpc_addr"`

	LogChannel string `mapstructure:"log_channel"`
	LogLevel   string `mapstructure:"log_level"`

	Flavor  Flavor `mapstructure:"flavor"`
	Virtual bool   `mapstructure:"virtual"`

	QueryDelay time.Duration `mapstructure:"query_delay"`

	Timeouts Timeouts `mapstructure:"timeouts"`

	FocusToleranceUm float64 `mapstructure:"focus_tolerance_um"`

	HASoftLimits  Limits `mapstructure:"ha_soft_limits"`
	DecSoftLimits Limits `mapstructure:"dec_soft_limits"`

	ParkPositions map[string]ParkPosition `mapstructure:"park_positions"`

	Interlock Interlock `mapstructure:"interlock"`

	// QueryTimeoutIterations bounds the liveness ring buffer (see
	// internal/liveness).
	QueryTimeoutIterations int `mapstructure:"query_timeout_iterations"`

	// CommDir is the directory holding the named command pipes; it is
	// swept on controller death.
	CommDir string `mapstructure:"comm_dir"`

	// ShmKey is the well-known SysV key of the controller's telemetry
	// segment.
	ShmKey int `mapstructure:"shm_key"`

	// ProfileScript is sourced through a sub-shell to build the
	// controller's spawn environment.
	ProfileScript string `mapstructure:"profile_script"`

	// ControllerPath is the executable spawned on initialize.
	ControllerPath string   `mapstructure:"controller_path"`
	ControllerArgs []string `mapstructure:"controller_args"`
}

// Default returns a Config with conservative defaults, used as the base
// that file and flag overrides are merged onto.
func Default() *Config {
	return &Config{
		RPCName:    "talond",
		LogChannel: "talond",
		LogLevel:   "INFO",
		Flavor:     FlavorLite,
		QueryDelay: 500 * time.Millisecond,
		Timeouts: Timeouts{
			Initialization: 30 * time.Second,
			Slew:           120 * time.Second,
			Focus:          60 * time.Second,
			Homing:         180 * time.Second,
			Limit:          180 * time.Second,
			Cover:          30 * time.Second,
			Ping:           5 * time.Second,
		},
		FocusToleranceUm:       5.0,
		HASoftLimits:           Limits{Min: -90, Max: 90},
		DecSoftLimits:          Limits{Min: -40, Max: 90},
		ParkPositions:          map[string]ParkPosition{},
		QueryTimeoutIterations: 10,
		CommDir:                "/usr/local/telescope/comm",
		ShmKey:                 0x4e56361a,
	}
}

// Merge overlays non-zero fields of override onto base and returns base.
// Slices and maps in override replace (not append to) base's.
func Merge(base, override *Config) *Config {
	if override == nil {
		return base
	}
	if len(override.ControlClients) > 0 {
		base.ControlClients = override.ControlClients
	}
	if override.RPCName != "" {
		base.RPCName = override.RPCName
	}
	if override.RPCAddr != "" {
		base.RPCAddr = override.RPCAddr
	}
	if override.LogChannel != "" {
		base.LogChannel = override.LogChannel
	}
	if override.LogLevel != "" {
		base.LogLevel = override.LogLevel
	}
	if override.Flavor != "" {
		base.Flavor = override.Flavor
	}
	if override.Virtual {
		base.Virtual = true
	}
	if override.QueryDelay != 0 {
		base.QueryDelay = override.QueryDelay
	}
	mergeTimeouts(&base.Timeouts, override.Timeouts)
	if override.FocusToleranceUm != 0 {
		base.FocusToleranceUm = override.FocusToleranceUm
	}
	if override.HASoftLimits != (Limits{}) {
		base.HASoftLimits = override.HASoftLimits
	}
	if override.DecSoftLimits != (Limits{}) {
		base.DecSoftLimits = override.DecSoftLimits
	}
	if len(override.ParkPositions) > 0 {
		base.ParkPositions = override.ParkPositions
	}
	if override.Interlock.Addr != "" {
		base.Interlock = override.Interlock
	}
	if override.QueryTimeoutIterations != 0 {
		base.QueryTimeoutIterations = override.QueryTimeoutIterations
	}
	if override.CommDir != "" {
		base.CommDir = override.CommDir
	}
	if override.ShmKey != 0 {
		base.ShmKey = override.ShmKey
	}
	if override.ProfileScript != "" {
		base.ProfileScript = override.ProfileScript
	}
	if override.ControllerPath != "" {
		base.ControllerPath = override.ControllerPath
	}
	if len(override.ControllerArgs) > 0 {
		base.ControllerArgs = override.ControllerArgs
	}
	return base
}

func mergeTimeouts(base *Timeouts, o Timeouts) {
	if o.Initialization != 0 {
		base.Initialization = o.Initialization
	}
	if o.Slew != 0 {
		base.Slew = o.Slew
	}
	if o.Focus != 0 {
		base.Focus = o.Focus
	}
	if o.Homing != 0 {
		base.Homing = o.Homing
	}
	if o.Limit != 0 {
		base.Limit = o.Limit
	}
	if o.Cover != 0 {
		base.Cover = o.Cover
	}
	if o.Ping != 0 {
		base.Ping = o.Ping
	}
}

// ReadPaths reads and merges one or more JSON config files: files named
// directly, or every *.json file within a named directory, in lexical
// order.
func ReadPaths(paths []string) (*Config, error) {
	result := Default()
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}

		if !info.IsDir() {
			fileConfig, err := readFile(path)
			if err != nil {
				return nil, err
			}
			result = Merge(result, fileConfig)
			continue
		}

		entries, err := ioutil.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("config: read dir %s: %w", path, err)
		}
		var names []string
		for _, e := range entries {
			if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			fileConfig, err := readFile(filepath.Join(path, name))
			if err != nil {
				return nil, err
			}
			result = Merge(result, fileConfig)
		}
	}
	return result, nil
}

func readFile(path string) (*Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var decoded Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &decoded,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(generic); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	for name, pos := range decoded.ParkPositions {
		pos.HasAltAz = pos.AltDeg != 0 || pos.AzDeg != 0
		pos.HasEncoder = pos.HAEnc != 0 || pos.DecEnc != 0
		decoded.ParkPositions[name] = pos
	}

	return &decoded, nil
}

// Validate checks cross-field invariants that mapstructure decoding
// cannot: a flavor-appropriate interlock, sane limit ordering, a positive
// poll delay and liveness ring, a non-empty comm directory and a non-zero
// shared-memory key. The comm directory is not checked for existence.
func (c *Config) Validate() error {
	if c.Flavor != FlavorFull && c.Flavor != FlavorLite {
		return fmt.Errorf("config: unknown flavor %q", c.Flavor)
	}
	if c.Flavor == FlavorFull && c.Interlock.Addr == "" {
		return fmt.Errorf("config: full flavor requires interlock.addr")
	}
	if c.HASoftLimits.Min > c.HASoftLimits.Max {
		return fmt.Errorf("config: ha_soft_limits out of order")
	}
	if c.DecSoftLimits.Min > c.DecSoftLimits.Max {
		return fmt.Errorf("config: dec_soft_limits out of order")
	}
	if c.QueryDelay <= 0 {
		return fmt.Errorf("config: query_delay must be positive")
	}
	if c.QueryTimeoutIterations < 2 {
		return fmt.Errorf("config: query_timeout_iterations must be >= 2")
	}
	if c.CommDir == "" {
		return fmt.Errorf("config: comm_dir is required")
	}
	if c.ShmKey == 0 {
		return fmt.Errorf("config: shm_key is required")
	}
	return nil
}
