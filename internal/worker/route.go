package worker

// RouteMatches decides whether a worker with workerRoute may claim a
// session requesting reqRoute. Grounded on the original
// implementation's common.py route_matches, which is strict equality
// (including the both-nil case) with no permissive fallback; the
// permissive "a routed worker also takes untagged work" behavior
// spec prose describes is exposed separately as acceptUntagged, off
// by default.
func RouteMatches(workerRoute, reqRoute *string, acceptUntagged bool) bool {
	if reqRoute == nil {
		if workerRoute == nil {
			return true
		}
		return acceptUntagged
	}
	if workerRoute == nil {
		return false
	}
	return *workerRoute == *reqRoute
}
