package pgconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// SetConfigValue returns a copy of cfg with key set to value. Ported
// from set_config_value.
func SetConfigValue(cfg FileConfig, key, value string) (FileConfig, error) {
	out := cfg
	k := strings.TrimSpace(key)
	switch {
	case k == "cache":
		v, err := nonEmpty(value, k)
		if err != nil {
			return cfg, err
		}
		out.Cache = &v
	case k == "namespace":
		v, err := nonEmpty(value, k)
		if err != nil {
			return cfg, err
		}
		out.Namespace = &v
	case k == "route":
		v, err := nonEmpty(value, k)
		if err != nil {
			return cfg, err
		}
		out.Route = &v
	case k == "user":
		v, err := nonEmpty(value, k)
		if err != nil {
			return cfg, err
		}
		out.User = &v
	case k == "worker.max_jobs":
		n, err := strconv.Atoi(value)
		if err != nil {
			return cfg, fmt.Errorf("pgconfig: invalid worker.max_jobs: %q", value)
		}
		if n <= 0 {
			return cfg, fmt.Errorf("pgconfig: worker.max_jobs must be > 0")
		}
		out.WorkerMaxJobs = &n
	case k == "worker.poll_interval":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return cfg, fmt.Errorf("pgconfig: invalid worker.poll_interval: %q", value)
		}
		if f <= 0 {
			return cfg, fmt.Errorf("pgconfig: worker.poll_interval must be > 0")
		}
		out.WorkerPollInterval = &f
	case k == "worker.debug":
		b, err := parseBoolLiteral(value, k)
		if err != nil {
			return cfg, err
		}
		out.WorkerDebug = &b
	case k == "worker.route":
		v, err := nonEmpty(value, k)
		if err != nil {
			return cfg, err
		}
		out.WorkerRoute = &v
	case k == "worker.accept_untagged":
		b, err := parseBoolLiteral(value, k)
		if err != nil {
			return cfg, err
		}
		out.WorkerAcceptUntagged = &b
	case strings.HasPrefix(k, "remote_env."):
		envKey := strings.TrimSpace(strings.TrimPrefix(k, "remote_env."))
		if !envKeyRe.MatchString(envKey) {
			return cfg, fmt.Errorf("pgconfig: remote_env key must match [A-Za-z_][A-Za-z0-9_]*")
		}
		out.RemoteEnv = cloneEnv(cfg.RemoteEnv)
		out.RemoteEnv[envKey] = value
	default:
		return cfg, fmt.Errorf("pgconfig: unknown key: %q", key)
	}
	return out, nil
}

// UnsetConfigValue returns a copy of cfg with key cleared. Ported
// from unset_config_value.
func UnsetConfigValue(cfg FileConfig, key string) (FileConfig, error) {
	out := cfg
	k := strings.TrimSpace(key)
	switch {
	case k == "cache":
		out.Cache = nil
	case k == "namespace":
		out.Namespace = nil
	case k == "route":
		out.Route = nil
	case k == "user":
		out.User = nil
	case k == "worker.max_jobs":
		out.WorkerMaxJobs = nil
	case k == "worker.poll_interval":
		out.WorkerPollInterval = nil
	case k == "worker.debug":
		out.WorkerDebug = nil
	case k == "worker.route":
		out.WorkerRoute = nil
	case k == "worker.accept_untagged":
		out.WorkerAcceptUntagged = nil
	case strings.HasPrefix(k, "remote_env."):
		envKey := strings.TrimSpace(strings.TrimPrefix(k, "remote_env."))
		if !envKeyRe.MatchString(envKey) {
			return cfg, fmt.Errorf("pgconfig: remote_env key must match [A-Za-z_][A-Za-z0-9_]*")
		}
		out.RemoteEnv = cloneEnv(cfg.RemoteEnv)
		delete(out.RemoteEnv, envKey)
	default:
		return cfg, fmt.Errorf("pgconfig: unknown key: %q", key)
	}
	return out, nil
}

func cloneEnv(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func nonEmpty(raw, key string) (string, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", fmt.Errorf("pgconfig: %s cannot be empty", key)
	}
	return v, nil
}

func quoteTOML(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// ConfigToTOML renders cfg as minimal TOML text: only keys that are
// set appear, in the same grouping (top-level, then [worker], then
// [remote_env]) as the original implementation's config_to_toml.
func ConfigToTOML(cfg FileConfig) string {
	var lines []string
	if cfg.Cache != nil {
		lines = append(lines, fmt.Sprintf("cache = %s", quoteTOML(*cfg.Cache)))
	}
	if cfg.Namespace != nil {
		lines = append(lines, fmt.Sprintf("namespace = %s", quoteTOML(*cfg.Namespace)))
	}
	if cfg.Route != nil {
		lines = append(lines, fmt.Sprintf("route = %s", quoteTOML(*cfg.Route)))
	}
	if cfg.User != nil {
		lines = append(lines, fmt.Sprintf("user = %s", quoteTOML(*cfg.User)))
	}

	hasWorker := cfg.WorkerMaxJobs != nil || cfg.WorkerPollInterval != nil || cfg.WorkerDebug != nil || cfg.WorkerRoute != nil || cfg.WorkerAcceptUntagged != nil
	if hasWorker {
		if len(lines) > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, "[worker]")
		if cfg.WorkerMaxJobs != nil {
			lines = append(lines, fmt.Sprintf("max_jobs = %d", *cfg.WorkerMaxJobs))
		}
		if cfg.WorkerPollInterval != nil {
			lines = append(lines, fmt.Sprintf("poll_interval = %s", strconv.FormatFloat(*cfg.WorkerPollInterval, 'g', -1, 64)))
		}
		if cfg.WorkerDebug != nil {
			lines = append(lines, fmt.Sprintf("debug = %t", *cfg.WorkerDebug))
		}
		if cfg.WorkerRoute != nil {
			lines = append(lines, fmt.Sprintf("route = %s", quoteTOML(*cfg.WorkerRoute)))
		}
		if cfg.WorkerAcceptUntagged != nil {
			lines = append(lines, fmt.Sprintf("accept_untagged = %t", *cfg.WorkerAcceptUntagged))
		}
	}

	if len(cfg.RemoteEnv) > 0 {
		if len(lines) > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, "[remote_env]")
		keys := make([]string, 0, len(cfg.RemoteEnv))
		for k := range cfg.RemoteEnv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("%s = %s", k, quoteTOML(cfg.RemoteEnv[k])))
		}
	}

	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// WriteFileConfig atomically writes cfg's TOML rendering to its
// resolved path (cfg.Path, or ConfigTargetPath(explicit) if unset).
func WriteFileConfig(cfg FileConfig, explicit string) (string, error) {
	path := cfg.Path
	if path == "" {
		path = ConfigTargetPath(explicit)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("pgconfig: mkdir %s: %w", dir, err)
	}

	payload := ConfigToTOML(cfg)
	tmp, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return "", fmt.Errorf("pgconfig: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.WriteString(payload); err != nil {
		tmp.Close()
		return "", fmt.Errorf("pgconfig: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("pgconfig: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("pgconfig: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("pgconfig: rename: %w", err)
	}
	return path, nil
}

// SyncEnvToFileConfig loads (or bootstraps) the config file, applies
// any PIGEON_* env overrides on top, and persists the result if it
// changed or was freshly created. Ported from sync_env_to_file_config.
func SyncEnvToFileConfig(explicit string) (cfg FileConfig, created, changed bool, err error) {
	cfg, created, err = EnsureFileConfig(explicit)
	if err != nil {
		return FileConfig{}, false, false, err
	}
	updated := cfg

	if v := envNonEmpty("PIGEON_CACHE"); v != nil {
		updated.Cache = v
	}
	if v := envNonEmpty("PIGEON_NAMESPACE"); v != nil {
		updated.Namespace = v
	}
	if v := envNonEmpty("PIGEON_USER"); v != nil {
		updated.User = v
	}
	if v := envNonEmpty("PIGEON_ROUTE"); v != nil {
		updated.Route = v
	}
	if v := envNonEmpty("PIGEON_WORKER_ROUTE"); v != nil {
		updated.WorkerRoute = v
	}
	if v, verr := envPositiveInt("PIGEON_WORKER_MAX_JOBS"); verr != nil {
		return FileConfig{}, false, false, verr
	} else if v != nil {
		updated.WorkerMaxJobs = v
	}
	if v, verr := envPositiveFloat("PIGEON_WORKER_POLL_INTERVAL"); verr != nil {
		return FileConfig{}, false, false, verr
	} else if v != nil {
		updated.WorkerPollInterval = v
	}
	if v, verr := envBool("PIGEON_WORKER_DEBUG"); verr != nil {
		return FileConfig{}, false, false, verr
	} else if v != nil {
		updated.WorkerDebug = v
	}
	if v, verr := envBool("PIGEON_WORKER_ACCEPT_UNTAGGED"); verr != nil {
		return FileConfig{}, false, false, verr
	} else if v != nil {
		updated.WorkerAcceptUntagged = v
	}

	changed = ConfigToTOML(cfg) != ConfigToTOML(updated)
	if created || changed {
		written, werr := WriteFileConfig(updated, explicit)
		if werr != nil {
			return FileConfig{}, false, false, werr
		}
		updated.Path = written
	}
	return updated, created, changed, nil
}
