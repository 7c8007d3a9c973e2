package compat

// legacyPaths maps the unversioned paths early clients shipped with onto
// their /v1 equivalents.
var legacyPaths = map[string]string{
	"/quote":  "/v1/quote",
	"/submit": "/v1/submit",
	"/health": "/v1/health",
	"/tokens": "/v1/tokens",
	"/stats":  "/v1/stats",
}

// Rewrite returns the versioned path for a legacy one.
func Rewrite(path string) (string, bool) {
	target, ok := legacyPaths[path]
	return target, ok
}

// LegacyPaths lists the handled unversioned paths for router registration.
func LegacyPaths() []string {
	out := make([]string, 0, len(legacyPaths))
	for path := range legacyPaths {
		out = append(out, path)
	}
	return out
}
