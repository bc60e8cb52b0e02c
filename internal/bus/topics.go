package bus

import "strings"

// Channel prefixes. Live task events fan out on the project channel; run
// events fan out on the run channel.
const (
	ProjectPrefix = "project:"
	RunPrefix     = "run:"
)

func ProjectChannel(projectID string) string {
	return ProjectPrefix + projectID
}

func RunChannel(runID string) string {
	return RunPrefix + runID
}

// ParseChannel splits a channel into its prefix kind ("project" or "run") and id.
func ParseChannel(channel string) (kind, id string, ok bool) {
	for _, prefix := range []string{ProjectPrefix, RunPrefix} {
		if rest, found := strings.CutPrefix(channel, prefix); found && rest != "" {
			return strings.TrimSuffix(prefix, ":"), rest, true
		}
	}
	return "", "", false
}
