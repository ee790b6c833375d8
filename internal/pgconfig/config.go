// Package pgconfig resolves pigeon's layered TOML configuration: file
// over environment over bootstrap defaults. Grounded entirely on the
// original implementation's pigeon/config.py — same active-config
// pointer indirection, same bootstrap defaults, same configurable
// keys — decoded here with github.com/pelletier/go-toml/v2 into a
// generic map and then loosely into FileConfig via
// github.com/mitchellh/mapstructure, so a newer config file with keys
// an older worker binary doesn't know about still loads cleanly.
package pgconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	ActiveConfigEnv         = "PIGEON_CONFIG"
	ConfigRootEnv           = "PIGEON_CONFIG_ROOT"
	DefaultConfigFilename   = "config.toml"
	ActiveConfigPointerFile = "active_config_path"
	DefaultBootstrapCache   = "/tmp/pigeon-cache"
	DefaultBootstrapMaxJobs = 4
	DefaultBootstrapPoll    = 0.05
)

// ConfigurableKeys lists every key "pigeon config set/unset" accepts.
var ConfigurableKeys = []string{
	"cache",
	"namespace",
	"route",
	"user",
	"worker.max_jobs",
	"worker.poll_interval",
	"worker.debug",
	"worker.route",
	"worker.accept_untagged",
	"remote_env.<NAME>",
}

// FileConfig is the decoded contents of config.toml. Every scalar
// field is a pointer so "unset" is representable distinctly from "set
// to the zero value".
type FileConfig struct {
	Path                 string            `mapstructure:"-"`
	Cache                *string           `mapstructure:"cache"`
	Namespace            *string           `mapstructure:"namespace"`
	Route                *string           `mapstructure:"route"`
	User                 *string           `mapstructure:"user"`
	WorkerMaxJobs        *int              `mapstructure:"-"`
	WorkerPollInterval   *float64          `mapstructure:"-"`
	WorkerDebug          *bool             `mapstructure:"-"`
	WorkerRoute          *string           `mapstructure:"-"`
	WorkerAcceptUntagged *bool             `mapstructure:"-"`
	RemoteEnv            map[string]string `mapstructure:"remote_env"`
}

var envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func configRootDir() string {
	if raw := os.Getenv(ConfigRootEnv); raw != "" {
		return expandAndAbs(raw)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "pigeon")
}

func homeDefaultPath() string {
	return filepath.Join(configRootDir(), DefaultConfigFilename)
}

// ActiveConfigPointerPath is the file recording which config path is
// "active" when PIGEON_CONFIG is not set.
func ActiveConfigPointerPath() string {
	return filepath.Join(filepath.Dir(homeDefaultPath()), ActiveConfigPointerFile)
}

// GetActiveConfigPath reads the active-config pointer file, if any.
func GetActiveConfigPath() (string, bool) {
	raw, err := os.ReadFile(ActiveConfigPointerPath())
	if err != nil {
		return "", false
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "", false
	}
	return expandAndAbs(trimmed), true
}

// SetActiveConfigPath atomically rewrites the pointer file to target.
func SetActiveConfigPath(target string) (string, error) {
	pointer := ActiveConfigPointerPath()
	abs := expandAndAbs(target)
	if err := os.MkdirAll(filepath.Dir(pointer), 0o755); err != nil {
		return "", fmt.Errorf("pgconfig: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(pointer), ".tmp-")
	if err != nil {
		return "", fmt.Errorf("pgconfig: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.WriteString(abs + "\n"); err != nil {
		tmp.Close()
		return "", fmt.Errorf("pgconfig: write pointer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("pgconfig: fsync pointer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("pgconfig: close pointer: %w", err)
	}
	if err := os.Rename(tmpName, pointer); err != nil {
		return "", fmt.Errorf("pgconfig: rename pointer: %w", err)
	}
	return abs, nil
}

// DefaultConfigPath resolves PIGEON_CONFIG > the active pointer > the
// home default, keeping the pointer aligned with an env override the
// way the original implementation's default_config_path does.
func DefaultConfigPath() string {
	if byEnv := os.Getenv(ActiveConfigEnv); byEnv != "" {
		path := expandAndAbs(byEnv)
		if current, ok := GetActiveConfigPath(); !ok || current != path {
			_, _ = SetActiveConfigPath(path)
		}
		return path
	}
	if active, ok := GetActiveConfigPath(); ok {
		return active
	}
	return homeDefaultPath()
}

// ConfigTargetPath resolves an explicit --config flag over
// DefaultConfigPath.
func ConfigTargetPath(explicit string) string {
	if explicit != "" {
		return expandAndAbs(explicit)
	}
	return DefaultConfigPath()
}

func expandAndAbs(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

func emptyFileConfig(path string) FileConfig {
	return FileConfig{Path: path, RemoteEnv: map[string]string{}}
}

// bootstrapFileConfig seeds defaults from PIGEON_* env vars, used only
// when no config file exists yet. Ported from _bootstrap_file_config.
func bootstrapFileConfig(path string) (FileConfig, error) {
	cfg := emptyFileConfig(path)

	if v := envNonEmpty("PIGEON_USER"); v != nil {
		cfg.User = v
	} else if v := envNonEmpty("USER"); v != nil {
		cfg.User = v
	}
	if v := envNonEmpty("PIGEON_NAMESPACE"); v != nil {
		cfg.Namespace = v
	}
	if v := envNonEmpty("PIGEON_ROUTE"); v != nil {
		cfg.Route = v
	}
	if v := envNonEmpty("PIGEON_WORKER_ROUTE"); v != nil {
		cfg.WorkerRoute = v
	}
	cache := DefaultBootstrapCache
	if v := envNonEmpty("PIGEON_CACHE"); v != nil {
		cache = *v
	}
	cfg.Cache = &cache

	maxJobs := DefaultBootstrapMaxJobs
	if v, err := envPositiveInt("PIGEON_WORKER_MAX_JOBS"); err != nil {
		return cfg, err
	} else if v != nil {
		maxJobs = *v
	}
	cfg.WorkerMaxJobs = &maxJobs

	poll := DefaultBootstrapPoll
	if v, err := envPositiveFloat("PIGEON_WORKER_POLL_INTERVAL"); err != nil {
		return cfg, err
	} else if v != nil {
		poll = *v
	}
	cfg.WorkerPollInterval = &poll

	debug := false
	if v, err := envBool("PIGEON_WORKER_DEBUG"); err != nil {
		return cfg, err
	} else if v != nil {
		debug = *v
	}
	cfg.WorkerDebug = &debug

	acceptUntagged := false
	if v, err := envBool("PIGEON_WORKER_ACCEPT_UNTAGGED"); err != nil {
		return cfg, err
	} else if v != nil {
		acceptUntagged = *v
	}
	cfg.WorkerAcceptUntagged = &acceptUntagged

	return cfg, nil
}

// LoadFileConfig reads and decodes path, if it exists. A missing file
// is not an error; ok is false.
func LoadFileConfig(path string) (cfg FileConfig, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, fmt.Errorf("pgconfig: read %s: %w", path, err)
	}

	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return FileConfig{}, false, fmt.Errorf("pgconfig: parse %s: %w", path, err)
	}

	cfg = emptyFileConfig(path)
	if v, ok := raw["cache"].(string); ok {
		cfg.Cache = &v
	}
	if v, ok := raw["namespace"].(string); ok {
		cfg.Namespace = &v
	}
	if v, ok := raw["route"].(string); ok {
		cfg.Route = &v
	}
	if v, ok := raw["user"].(string); ok {
		cfg.User = &v
	}

	if workerRaw, ok := raw["worker"].(map[string]any); ok {
		if err := decodeWorker(workerRaw, &cfg); err != nil {
			return FileConfig{}, false, fmt.Errorf("pgconfig: parse %s: %w", path, err)
		}
	}
	if envRaw, ok := raw["remote_env"].(map[string]any); ok {
		env := map[string]string{}
		if err := mapstructure.Decode(envRaw, &env); err != nil {
			return FileConfig{}, false, fmt.Errorf("pgconfig: parse %s remote_env: %w", path, err)
		}
		cfg.RemoteEnv = env
	}
	return cfg, true, nil
}

func decodeWorker(raw map[string]any, cfg *FileConfig) error {
	if v, ok := raw["max_jobs"]; ok {
		n, err := toInt(v)
		if err != nil {
			return fmt.Errorf("worker.max_jobs: %w", err)
		}
		if n <= 0 {
			return fmt.Errorf("worker.max_jobs must be > 0")
		}
		cfg.WorkerMaxJobs = &n
	}
	if v, ok := raw["poll_interval"]; ok {
		f, err := toFloat(v)
		if err != nil {
			return fmt.Errorf("worker.poll_interval: %w", err)
		}
		if f <= 0 {
			return fmt.Errorf("worker.poll_interval must be > 0")
		}
		cfg.WorkerPollInterval = &f
	}
	if v, ok := raw["debug"].(bool); ok {
		cfg.WorkerDebug = &v
	}
	if v, ok := raw["route"].(string); ok {
		cfg.WorkerRoute = &v
	}
	if v, ok := raw["accept_untagged"].(bool); ok {
		cfg.WorkerAcceptUntagged = &v
	}
	return nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

// EnsureFileConfig loads path, creating a bootstrap-default file in
// its place if it doesn't exist yet. created reports whether this
// call wrote the file.
func EnsureFileConfig(explicit string) (cfg FileConfig, created bool, err error) {
	path := ConfigTargetPath(explicit)
	if loaded, ok, lerr := LoadFileConfig(path); lerr != nil {
		return FileConfig{}, false, lerr
	} else if ok {
		return loaded, false, nil
	}

	bootstrap, berr := bootstrapFileConfig(path)
	if berr != nil {
		return FileConfig{}, false, berr
	}
	written, werr := WriteFileConfig(bootstrap, explicit)
	if werr != nil {
		return FileConfig{}, false, werr
	}
	bootstrap.Path = written
	return bootstrap, true, nil
}

func envNonEmpty(name string) *string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	return &v
}

func envPositiveInt(name string) (*int, error) {
	raw := envNonEmpty(name)
	if raw == nil {
		return nil, nil
	}
	n, err := strconv.Atoi(*raw)
	if err != nil {
		return nil, fmt.Errorf("invalid integer env %s: %q", name, *raw)
	}
	if n <= 0 {
		return nil, fmt.Errorf("invalid integer env %s: must be > 0", name)
	}
	return &n, nil
}

func envPositiveFloat(name string) (*float64, error) {
	raw := envNonEmpty(name)
	if raw == nil {
		return nil, nil
	}
	f, err := strconv.ParseFloat(*raw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid float env %s: %q", name, *raw)
	}
	if f <= 0 {
		return nil, fmt.Errorf("invalid float env %s: must be > 0", name)
	}
	return &f, nil
}

var boolTrue = map[string]bool{"1": true, "true": true, "yes": true, "on": true}
var boolFalse = map[string]bool{"0": true, "false": true, "no": true, "off": true}

func envBool(name string) (*bool, error) {
	raw := envNonEmpty(name)
	if raw == nil {
		return nil, nil
	}
	v := strings.ToLower(*raw)
	if boolTrue[v] {
		t := true
		return &t, nil
	}
	if boolFalse[v] {
		f := false
		return &f, nil
	}
	return nil, fmt.Errorf("invalid boolean env %s: %q", name, *raw)
}

func parseBoolLiteral(raw, key string) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if boolTrue[v] {
		return true, nil
	}
	if boolFalse[v] {
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean for %s: %q", key, raw)
}
