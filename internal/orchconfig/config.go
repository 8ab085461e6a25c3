// Package orchconfig resolves the orchestrator's process-wide configuration:
// the XDG-style state root, the default slot count, the listen address, and
// the API-token environment variable, in the same env-override-then-file
// precedence the rest of this family of tools uses.
package orchconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/mvorch/microvm-orchestrator/internal/atomicfile"
)

// CurrentConfigVersion is the schema version stamped on config.json.
const CurrentConfigVersion = 1

const (
	DefaultMaxSlots = 10
	DefaultAddr     = "127.0.0.1:8765"
	APITokenEnvVar  = "MICROVM_ORCHESTRATOR_API_TOKEN"
)

// Config is the orchestrator's persisted process configuration.
type Config struct {
	Version   int       `json:"version"`
	MaxSlots  int       `json:"max_slots"`
	Addr      string    `json:"addr"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RootDir returns <user-home>/.microvm-orchestrator, overridable by
// MICROVM_ORCHESTRATOR_HOME for tests and multi-instance setups.
func RootDir() string {
	if root := os.Getenv("MICROVM_ORCHESTRATOR_HOME"); root != "" {
		return root
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".microvm-orchestrator")
}

// RegistryPath returns the path to the repo registry's allowed-repos.json.
func RegistryPath() string {
	return filepath.Join(RootDir(), "allowed-repos.json")
}

// SlotAssignmentsPath returns the path to the slot affinity map.
func SlotAssignmentsPath() string {
	return filepath.Join(RootDir(), "slot-assignments.json")
}

// SlotsDir returns the directory containing per-slot persistent storage.
func SlotsDir() string {
	return filepath.Join(RootDir(), "slots")
}

// LockPath returns the path to the advisory host-wide lock taken for the
// duration of `serve`.
func LockPath() string {
	return filepath.Join(RootDir(), ".lock")
}

func configPath() string {
	return filepath.Join(RootDir(), "config.json")
}

// MaxSlots resolves the configured slot cap: env override, then config
// file, then DefaultMaxSlots.
func MaxSlots() int {
	if v := os.Getenv("MICROVM_ORCHESTRATOR_MAX_SLOTS"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			return n
		}
	}
	if cfg, err := Load(); err == nil && cfg.MaxSlots > 0 {
		return cfg.MaxSlots
	}
	return DefaultMaxSlots
}

// Addr resolves the HTTP listen address: env override, then config file,
// then DefaultAddr.
func Addr() string {
	if v := os.Getenv("MICROVM_ORCHESTRATOR_ADDR"); v != "" {
		return v
	}
	if cfg, err := Load(); err == nil && cfg.Addr != "" {
		return cfg.Addr
	}
	return DefaultAddr
}

// APIToken reads the guest credential token from its well-known
// environment variable. An empty string means unset.
func APIToken() string {
	return os.Getenv(APITokenEnvVar)
}

// Load reads config.json. If it doesn't exist yet, Load returns a Config
// holding the defaults (DefaultMaxSlots, DefaultAddr) and no error.
func Load() (*Config, error) {
	data, err := os.ReadFile(configPath())
	if os.IsNotExist(err) {
		return &Config{Version: CurrentConfigVersion, MaxSlots: DefaultMaxSlots, Addr: DefaultAddr}, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save persists config.json atomically.
func Save(cfg *Config) error {
	cfg.Version = CurrentConfigVersion
	cfg.UpdatedAt = time.Now()
	return atomicfile.EnsureDirAndWriteJSON(configPath(), cfg)
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(r-'0')
	}
	if n <= 0 {
		return 0, os.ErrInvalid
	}
	return n, nil
}
