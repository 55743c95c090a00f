// Package config implements the ambient configuration layer spec.md §6
// calls out of scope for the core ("Repo path and permissions read from
// configuration") but a complete repository still needs: a TOML file of
// defaults, overridable by environment variables loaded from an
// optional .env file, following the two-tier pattern
// _examples/AlephTX-aleph-tx/feeder/config/config.go and its go.mod
// establish (go-toml/v2 for the file, godotenv for env loading).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Config is the datastore engine's ambient configuration: where the
// two SHM-backed regions and their companion directories live, and the
// tunables of internal/synclock and internal/rp that spec.md leaves to
// "configuration, out of scope to specify."
type Config struct {
	RepoPath        string `toml:"repo_path"`
	FilePermissions uint32 `toml:"file_permissions"`

	MainLockTimeoutSeconds int `toml:"main_lock_timeout_seconds"`

	RequestProcessorThreadCount int `toml:"rp_thread_count"`
	ReqPerThread                int `toml:"rp_req_per_thread"`
	SpinTimeoutNS               int `toml:"rp_spin_timeout_ns"`
	SpinMin                     int `toml:"rp_spin_min"`
	SpinMax                     int `toml:"rp_spin_max"`
}

// Default returns the configuration matching the constants
// original_source/src/request_processor.c and shm_main.c use when no
// file overrides them.
func Default() Config {
	return Config{
		RepoPath:                    "/etc/sysrepo",
		FilePermissions:             0o644,
		MainLockTimeoutSeconds:      5,
		RequestProcessorThreadCount: 4,
		ReqPerThread:                2,
		SpinTimeoutNS:               500000,
		SpinMin:                     1000,
		SpinMax:                     1000000,
	}
}

// MainLockTimeout is MainLockTimeoutSeconds as a time.Duration, for
// direct use with synclock.New.
func (c Config) MainLockTimeout() time.Duration {
	return time.Duration(c.MainLockTimeoutSeconds) * time.Second
}

// Load reads defaults, overlays path's TOML contents (if it exists),
// then overlays environment variables — loading envPath first via
// godotenv if it exists, matching the file-defaults-then-env-override
// pattern the pack's own config package establishes. A missing
// path or envPath is not an error; only malformed contents are.
func Load(path, envPath string) (Config, error) {
	cfg := Default()

	if b, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	} else if !os.IsNotExist(err) {
		return Config{}, err
	}

	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return Config{}, err
		}
	}
	applyEnvOverrides(&cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SYSREPO_REPO_PATH"); v != "" {
		cfg.RepoPath = v
	}
	if v, ok := envUint32("SYSREPO_FILE_PERMISSIONS"); ok {
		cfg.FilePermissions = v
	}
	if v, ok := envInt("SYSREPO_MAIN_LOCK_TIMEOUT_SECONDS"); ok {
		cfg.MainLockTimeoutSeconds = v
	}
	if v, ok := envInt("SYSREPO_RP_THREAD_COUNT"); ok {
		cfg.RequestProcessorThreadCount = v
	}
	if v, ok := envInt("SYSREPO_RP_REQ_PER_THREAD"); ok {
		cfg.ReqPerThread = v
	}
	if v, ok := envInt("SYSREPO_RP_SPIN_TIMEOUT_NS"); ok {
		cfg.SpinTimeoutNS = v
	}
	if v, ok := envInt("SYSREPO_RP_SPIN_MIN"); ok {
		cfg.SpinMin = v
	}
	if v, ok := envInt("SYSREPO_RP_SPIN_MAX"); ok {
		cfg.SpinMax = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envUint32(name string) (uint32, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
