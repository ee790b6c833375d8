package pgconfig

import "os"

// Effective is the fully-resolved set of values a client or worker
// actually runs with: file config overridden by PIGEON_* env,
// overridden in turn by explicit CLI flags (applied by the caller on
// top of this). Ported from cli.py's _print_effective.
type Effective struct {
	Cache                string
	Namespace            string
	RequesterUser        string
	ClientRoute          string
	WorkerRoute          string
	WorkerMaxJobs        int
	WorkerPollInterval   float64
	WorkerDebug          bool
	WorkerAcceptUntagged bool
}

// Resolve computes the effective config from a FileConfig, applying
// the same env-over-file precedence as _print_effective.
func Resolve(cfg FileConfig) Effective {
	e := Effective{
		WorkerMaxJobs:      DefaultBootstrapMaxJobs,
		WorkerPollInterval: DefaultBootstrapPoll,
	}

	e.Cache = firstNonEmpty(os.Getenv("PIGEON_CACHE"), deref(cfg.Cache))
	e.Namespace = firstNonEmpty(os.Getenv("PIGEON_NAMESPACE"), deref(cfg.Namespace), deref(cfg.User), os.Getenv("USER"), "default")
	e.RequesterUser = firstNonEmpty(os.Getenv("PIGEON_USER"), deref(cfg.User), os.Getenv("USER"))
	e.ClientRoute = firstNonEmpty(os.Getenv("PIGEON_ROUTE"), deref(cfg.Route))
	e.WorkerRoute = firstNonEmpty(os.Getenv("PIGEON_WORKER_ROUTE"), os.Getenv("PIGEON_ROUTE"), deref(cfg.WorkerRoute), deref(cfg.Route))

	if cfg.WorkerMaxJobs != nil {
		e.WorkerMaxJobs = *cfg.WorkerMaxJobs
	}
	if cfg.WorkerPollInterval != nil {
		e.WorkerPollInterval = *cfg.WorkerPollInterval
	}
	if cfg.WorkerDebug != nil {
		e.WorkerDebug = *cfg.WorkerDebug
	}
	if cfg.WorkerAcceptUntagged != nil {
		e.WorkerAcceptUntagged = *cfg.WorkerAcceptUntagged
	}
	if v, err := envBool("PIGEON_WORKER_ACCEPT_UNTAGGED"); err == nil && v != nil {
		e.WorkerAcceptUntagged = *v
	}
	return e
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Reload re-reads the config file at path and compares it against
// prev's TOML rendering; changed reports whether anything actually
// differs, so the worker's live-reload loop can skip no-op swaps.
func Reload(path string, prev FileConfig) (next FileConfig, changed bool, err error) {
	loaded, ok, err := LoadFileConfig(path)
	if err != nil {
		return FileConfig{}, false, err
	}
	if !ok {
		return prev, false, nil
	}
	changed = ConfigToTOML(prev) != ConfigToTOML(loaded)
	return loaded, changed, nil
}
