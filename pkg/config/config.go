// Package config loads the two JSON configuration files the engine consumes:
// the servers inventory (SPEC_FULL.md §6.2) and the optional framework
// tuning file (§6.3).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/cuemby/netlab/pkg/log"
	"github.com/cuemby/netlab/pkg/types"
)

// LoadServers reads the servers configuration file and returns a map of
// host name to ServerConfig with defaults applied and basic validation
// performed. At least one server must be present.
func LoadServers(path string) (map[string]types.ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read servers config %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse servers config %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("servers config %s defines no hosts", path)
	}

	servers := make(map[string]types.ServerConfig, len(raw))
	for name, msg := range raw {
		cfg := types.ServerConfig{
			Port:               22,
			MaxConcurrentTasks: 1,
		}
		if err := json.Unmarshal(msg, &cfg); err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
		cfg.Name = name

		if cfg.Host == "" {
			return nil, fmt.Errorf("server %q: host is required", name)
		}
		if cfg.User == "" {
			return nil, fmt.Errorf("server %q: user is required", name)
		}
		if cfg.Password == "" && cfg.KeyFilename == "" {
			return nil, fmt.Errorf("server %q: one of password or key_filename is required", name)
		}
		if cfg.Port < 1 || cfg.Port > 65535 {
			return nil, fmt.Errorf("server %q: port %d out of range", name, cfg.Port)
		}
		if cfg.MaxConcurrentTasks < 1 {
			return nil, fmt.Errorf("server %q: max_concurrent_tasks must be >= 1", name)
		}
		if cfg.ConnectTimeoutSeconds <= 0 {
			cfg.ConnectTimeoutSeconds = 10
		}
		if cfg.CommandTimeoutSeconds <= 0 {
			cfg.CommandTimeoutSeconds = 300
		}

		servers[name] = cfg
	}

	return servers, nil
}

// LoadFramework reads the optional framework configuration file, applying
// defaults for missing fields. A missing file is not an error: the defaults
// are returned unchanged. Unknown top-level keys are logged, not rejected.
func LoadFramework(path string) (types.FrameworkConfig, error) {
	cfg := types.DefaultFrameworkConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read framework config %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parse framework config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse framework config %s: %w", path, err)
	}

	known := map[string]bool{
		"max_worker_threads": true, "max_workers_per_server": true, "max_total_workers": true,
		"experiment_timeout": true, "task_queue_size": true, "log_level": true,
		"log_dir": true, "result_retention_days": true, "enable_monitoring": true,
	}
	var unknown []string
	for key := range raw {
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		log.Logger.Warn().Strs("keys", unknown).Msg("ignoring unknown framework config keys")
	}

	return cfg, nil
}
