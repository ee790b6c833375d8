package worker

import "sort"

// BuildEnv layers env_overrides over the worker's own process
// environment, then config.remote_env last so it wins over both, per
// spec §4.6 step 2. baseEnv is in "KEY=VALUE" form (os.Environ()
// shape); the result is returned the same way, sorted for
// determinism.
func BuildEnv(baseEnv []string, overrides, remoteEnv map[string]string) []string {
	merged := map[string]string{}
	for _, kv := range baseEnv {
		k, v, ok := splitEnv(kv)
		if ok {
			merged[k] = v
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	for k, v := range remoteEnv {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

func splitEnv(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}
