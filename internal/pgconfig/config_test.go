package pgconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureFileConfigBootstraps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, created, err := EnsureFileConfig(path)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true for a fresh path")
	}
	if cfg.Cache == nil || *cfg.Cache != DefaultBootstrapCache {
		t.Fatalf("expected bootstrap cache default, got %+v", cfg.Cache)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}

	cfg2, created2, err := EnsureFileConfig(path)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if created2 {
		t.Fatalf("expected created=false on second call")
	}
	if cfg2.Cache == nil || *cfg2.Cache != *cfg.Cache {
		t.Fatalf("expected stable cache across reloads")
	}
}

func TestSetAndUnsetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, _, err := EnsureFileConfig(path)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	updated, err := SetConfigValue(cfg, "worker.max_jobs", "8")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if *updated.WorkerMaxJobs != 8 {
		t.Fatalf("expected max_jobs=8, got %d", *updated.WorkerMaxJobs)
	}

	if _, err := WriteFileConfig(updated, path); err != nil {
		t.Fatalf("write: %v", err)
	}
	reloaded, ok, err := LoadFileConfig(path)
	if err != nil || !ok {
		t.Fatalf("reload: ok=%v err=%v", ok, err)
	}
	if reloaded.WorkerMaxJobs == nil || *reloaded.WorkerMaxJobs != 8 {
		t.Fatalf("expected persisted max_jobs=8, got %+v", reloaded.WorkerMaxJobs)
	}

	unset, err := UnsetConfigValue(reloaded, "worker.max_jobs")
	if err != nil {
		t.Fatalf("unset: %v", err)
	}
	if unset.WorkerMaxJobs != nil {
		t.Fatalf("expected max_jobs unset, got %v", *unset.WorkerMaxJobs)
	}
}

func TestSetAndUnsetAcceptUntagged(t *testing.T) {
	cfg := emptyFileConfig("")

	updated, err := SetConfigValue(cfg, "worker.accept_untagged", "true")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if updated.WorkerAcceptUntagged == nil || !*updated.WorkerAcceptUntagged {
		t.Fatalf("expected accept_untagged=true, got %+v", updated.WorkerAcceptUntagged)
	}

	eff := Resolve(updated)
	if !eff.WorkerAcceptUntagged {
		t.Fatalf("expected resolved accept_untagged=true, got %+v", eff)
	}

	cleared, err := UnsetConfigValue(updated, "worker.accept_untagged")
	if err != nil {
		t.Fatalf("unset: %v", err)
	}
	if cleared.WorkerAcceptUntagged != nil {
		t.Fatalf("expected accept_untagged unset, got %v", *cleared.WorkerAcceptUntagged)
	}
}

func TestSetRemoteEnv(t *testing.T) {
	cfg := emptyFileConfig("")
	updated, err := SetConfigValue(cfg, "remote_env.CUDA_VISIBLE_DEVICES", "0,1")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if updated.RemoteEnv["CUDA_VISIBLE_DEVICES"] != "0,1" {
		t.Fatalf("expected remote_env to be set, got %+v", updated.RemoteEnv)
	}

	cleared, err := UnsetConfigValue(updated, "remote_env.CUDA_VISIBLE_DEVICES")
	if err != nil {
		t.Fatalf("unset: %v", err)
	}
	if _, exists := cleared.RemoteEnv["CUDA_VISIBLE_DEVICES"]; exists {
		t.Fatalf("expected remote_env key removed")
	}
}

func TestSetUnknownKeyErrors(t *testing.T) {
	cfg := emptyFileConfig("")
	if _, err := SetConfigValue(cfg, "bogus", "x"); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestConfigToTOMLRoundTrip(t *testing.T) {
	cache := "/srv/pigeon"
	maxJobs := 6
	poll := 0.1
	debug := true
	cfg := FileConfig{
		Cache:              &cache,
		WorkerMaxJobs:      &maxJobs,
		WorkerPollInterval: &poll,
		WorkerDebug:        &debug,
		RemoteEnv:          map[string]string{"FOO": "bar"},
	}
	text := ConfigToTOML(cfg)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, ok, err := LoadFileConfig(path)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if *loaded.Cache != cache || *loaded.WorkerMaxJobs != maxJobs || *loaded.WorkerDebug != debug {
		t.Fatalf("round-trip mismatch: %+v", loaded)
	}
	if loaded.RemoteEnv["FOO"] != "bar" {
		t.Fatalf("expected remote_env round-trip, got %+v", loaded.RemoteEnv)
	}
}

func TestResolveEffectivePrecedence(t *testing.T) {
	os.Unsetenv("PIGEON_CACHE")
	os.Unsetenv("PIGEON_NAMESPACE")
	cache := "/file/cache"
	cfg := FileConfig{Cache: &cache}

	eff := Resolve(cfg)
	if eff.Cache != "/file/cache" {
		t.Fatalf("expected file cache to win with no env override, got %q", eff.Cache)
	}

	os.Setenv("PIGEON_CACHE", "/env/cache")
	defer os.Unsetenv("PIGEON_CACHE")
	eff2 := Resolve(cfg)
	if eff2.Cache != "/env/cache" {
		t.Fatalf("expected env to win over file, got %q", eff2.Cache)
	}
}
