package session

import "strings"

// ParseStreamPath splits an engine stream path such as "/live/abc123" into
// its application name and stream key. Query strings and duplicate slashes
// are tolerated because engines forward the raw publish URL.
func ParseStreamPath(raw string) (app, key string) {
	trimmed := strings.TrimSpace(raw)
	if idx := strings.IndexByte(trimmed, '?'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return "", ""
	}
	parts := strings.Split(trimmed, "/")
	switch len(parts) {
	case 1:
		return "", parts[0]
	default:
		return parts[0], parts[len(parts)-1]
	}
}

func normalizeStreamPath(app, key string) string {
	if app == "" {
		return "/" + key
	}
	return "/" + app + "/" + key
}
