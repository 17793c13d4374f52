package directory

import "strings"

const (
	maxUsernameLen    = 64
	maxChannelNameLen = 128
	maxIDLen          = 64
	maxBatchIDs       = 500
)

// NormalizeUsername performs case-insensitive canonicalization.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeChannelName canonicalizes a channel name. A leading '#' is dropped.
func NormalizeChannelName(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "#"))
}

func validID(id string) bool {
	return id != "" && len(id) <= maxIDLen && strings.TrimSpace(id) == id
}

func validChannelName(name string) bool {
	return name != "" && len(name) <= maxChannelNameLen && !strings.ContainsAny(name, " /")
}

// dedupe returns ids without blanks or repeats, preserving first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
