package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning holds every operational parameter of the sync server. Values are
// plain ints (milliseconds, bytes, counts) so the file stays trivially
// diffable; call sites convert to time.Duration where needed.
type Tuning struct {
	WorldCount int `yaml:"world_count"`

	MaxSessions          int `yaml:"max_sessions"`
	MaxClientsPerSession int `yaml:"max_clients_per_session"`

	TransitionIntervalMs  int `yaml:"transition_interval_ms"`
	ReapIntervalMs        int `yaml:"reap_interval_ms"`
	SessionIdleTimeoutMs  int `yaml:"session_idle_timeout_ms"`
	SessionEmptyTimeoutMs int `yaml:"session_empty_timeout_ms"`

	RateLimitWindowMs int `yaml:"rate_limit_window_ms"`
	RateLimitMax      int `yaml:"rate_limit_max"`
	MaxMessageBytes   int `yaml:"max_message_bytes"`
	MaxSeedBytes      int `yaml:"max_seed_bytes"`
	MaxSeedWorlds     int `yaml:"max_seed_worlds"`

	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	ReadDeadlineMs      int `yaml:"read_deadline_ms"`
	WriteDeadlineMs     int `yaml:"write_deadline_ms"`
	SendQueueDepth      int `yaml:"send_queue_depth"`
}

func Defaults() Tuning {
	return Tuning{
		WorldCount: 77,

		MaxSessions:          200,
		MaxClientsPerSession: 10,

		TransitionIntervalMs:  1000,
		ReapIntervalMs:        30_000,
		SessionIdleTimeoutMs:  12 * 60 * 60 * 1000,
		SessionEmptyTimeoutMs: 5 * 60 * 1000,

		RateLimitWindowMs: 1000,
		RateLimitMax:      15,
		MaxMessageBytes:   4 * 1024,
		MaxSeedBytes:      64 * 1024,
		MaxSeedWorlds:     256,

		HeartbeatIntervalMs: 20_000,
		ReadDeadlineMs:      60_000,
		WriteDeadlineMs:     5_000,
		SendQueueDepth:      64,
	}
}

// Load reads a tuning file over the defaults, so a partial file only
// overrides the keys it names.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}
