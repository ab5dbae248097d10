package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const envPrefix = "FESTIVAIR_"

// App contains the full node configuration.
type App struct {
	Name                 string `yaml:"name"`
	DatabaseFile         string `yaml:"database_file"`
	IdentityFile         string `yaml:"identity_file"`
	Nick                 string `yaml:"nick"`
	SquadID              string `yaml:"squad_id"`
	SquadJoinCode        string `yaml:"squad_join_code"`
	MeshPort             int    `yaml:"mesh_port"`
	WebPort              int    `yaml:"web_port"`
	ObservabilityAddress string `yaml:"observability_address"`
	CloudBaseURL         string `yaml:"cloud_base_url"`
	CloudAuthToken       string `yaml:"cloud_auth_token"`
	CloudTimeoutSecs     int    `yaml:"cloud_timeout_secs"`
	LogLevel             string `yaml:"log_level"`
	LogFile              string `yaml:"log_file"`
	MaxHops              int    `yaml:"max_hops"`
	SeenCacheSize        int    `yaml:"seen_cache_size"`
	ForwardsPerMinute    int    `yaml:"forwards_per_minute"`
	HeartbeatSecs        int    `yaml:"heartbeat_secs"`
	ElectionSecs         int    `yaml:"election_secs"`
	BatteryFloor         int    `yaml:"battery_floor"`
	RotationThreshold    int    `yaml:"rotation_threshold"`
	HysteresisMargin     int    `yaml:"hysteresis_margin"`
	SyncSecs             int    `yaml:"sync_secs"`
	SyncQueueCap         int    `yaml:"sync_queue_cap"`
	SyncAttemptCap       int    `yaml:"sync_attempt_cap"`
	OfflineAfterSecs     int    `yaml:"offline_after_secs"`
	RemoveAfterSecs      int    `yaml:"remove_after_secs"`
	LowPowerMode         bool   `yaml:"low_power_mode"`

	ConfigPath string `yaml:"-"`
}

// New reads the configuration from file (if provided) and environment overrides.
func New(path string) (*App, error) {
	cfg := defaultConfig()

	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *App {
	return &App{
		Name:                 "FestivAir",
		DatabaseFile:         "festivair.db",
		IdentityFile:         "identity.json",
		Nick:                 "Anonymous",
		MeshPort:             9000,
		WebPort:              8080,
		ObservabilityAddress: ":2112",
		CloudTimeoutSecs:     10,
		LogLevel:             "INFO",
		LogFile:              "festivair.log",
		MaxHops:              10,
		SeenCacheSize:        512,
		ForwardsPerMinute:    120,
		HeartbeatSecs:        25,
		ElectionSecs:         30,
		BatteryFloor:         15,
		RotationThreshold:    30,
		HysteresisMargin:     50,
		SyncSecs:             20,
		SyncQueueCap:         256,
		SyncAttemptCap:       5,
		OfflineAfterSecs:     120,
		RemoveAfterSecs:      3600,
	}
}

func (c *App) applyFile(path string) error {
	if path == "" {
		path = strings.TrimSpace(os.Getenv(envPrefix + "CONFIG_FILE"))
	}
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	c.ConfigPath = path
	return nil
}

func (c *App) applyEnv() error {
	strs := map[string]*string{
		"NAME":                  &c.Name,
		"DATABASE_FILE":         &c.DatabaseFile,
		"IDENTITY_FILE":         &c.IdentityFile,
		"NICK":                  &c.Nick,
		"SQUAD_ID":              &c.SquadID,
		"SQUAD_JOIN_CODE":       &c.SquadJoinCode,
		"OBSERVABILITY_ADDRESS": &c.ObservabilityAddress,
		"CLOUD_BASE_URL":        &c.CloudBaseURL,
		"CLOUD_AUTH_TOKEN":      &c.CloudAuthToken,
		"LOG_LEVEL":             &c.LogLevel,
		"LOG_FILE":              &c.LogFile,
	}
	for key, dst := range strs {
		if val, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = val
		}
	}

	ints := map[string]*int{
		"MESH_PORT":           &c.MeshPort,
		"WEB_PORT":            &c.WebPort,
		"CLOUD_TIMEOUT_SECS":  &c.CloudTimeoutSecs,
		"MAX_HOPS":            &c.MaxHops,
		"SEEN_CACHE_SIZE":     &c.SeenCacheSize,
		"FORWARDS_PER_MINUTE": &c.ForwardsPerMinute,
		"HEARTBEAT_SECS":      &c.HeartbeatSecs,
		"ELECTION_SECS":       &c.ElectionSecs,
		"BATTERY_FLOOR":       &c.BatteryFloor,
		"ROTATION_THRESHOLD":  &c.RotationThreshold,
		"HYSTERESIS_MARGIN":   &c.HysteresisMargin,
		"SYNC_SECS":           &c.SyncSecs,
		"SYNC_QUEUE_CAP":      &c.SyncQueueCap,
		"SYNC_ATTEMPT_CAP":    &c.SyncAttemptCap,
		"OFFLINE_AFTER_SECS":  &c.OfflineAfterSecs,
		"REMOVE_AFTER_SECS":   &c.RemoveAfterSecs,
	}
	for key, dst := range ints {
		val, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("config: %s%s must be an integer: %w", envPrefix, key, err)
		}
		*dst = parsed
	}

	bools := map[string]*bool{
		"LOW_POWER_MODE": &c.LowPowerMode,
	}
	for key, dst := range bools {
		val, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			continue
		}
		parsed, err := parseBool(val)
		if err != nil {
			return fmt.Errorf("config: %s%s must be a boolean: %w", envPrefix, key, err)
		}
		*dst = parsed
	}

	return nil
}

func parseBool(val string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("unrecognised value %q", val)
	}
}
