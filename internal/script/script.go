// Package script builds the shell snippets run inside a session.
package script

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Quote wraps s in single quotes with proper escaping for shell interpolation.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// heredocMarker picks a terminator that does not occur as a line of content.
func heredocMarker(base, content string) string {
	marker := base
	lines := strings.Split(content, "\n")
	for i := 1; slices.Contains(lines, marker); i++ {
		marker = fmt.Sprintf("%s_%d", base, i)
	}
	return marker
}

// WriteFile returns a command that writes content verbatim to path using a
// quoted heredoc, so nothing in content is expanded.
func WriteFile(path, content string) string {
	marker := heredocMarker("UDROID_EOF", content)

	var sb strings.Builder
	fmt.Fprintf(&sb, "cat > %s <<'%s'\n", Quote(path), marker)
	sb.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString(marker)
	return sb.String()
}

// SecureEnv wraps command so that vars reach its environment without
// appearing on any command line. It returns the wrapped command and the
// payload that must be fed to its stdin: the shell copies exactly that many
// bytes into an owner-only temp file, sources it and removes it before
// command runs. Anything on stdin after the payload is left for command.
// Empty values are skipped; with nothing to export, command is returned as is
// with an empty payload.
func SecureEnv(vars map[string]string, command string) (string, string) {
	var exports strings.Builder
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		if vars[k] == "" {
			continue
		}
		fmt.Fprintf(&exports, "export %s=%s\n", k, Quote(vars[k]))
	}
	if exports.Len() == 0 {
		return command, ""
	}

	payload := exports.String()

	var sb strings.Builder
	sb.WriteString("_udroid_env=$(mktemp /tmp/.udroid_env_XXXXXX) || exit 1\n")
	sb.WriteString("chmod 600 \"$_udroid_env\"\n")
	// dd bs=1 never reads past the payload, unlike a buffered head -c.
	fmt.Fprintf(&sb, "dd bs=1 count=%d of=\"$_udroid_env\" 2>/dev/null || { rm -f \"$_udroid_env\"; exit 1; }\n", len(payload))
	sb.WriteString(". \"$_udroid_env\"\n")
	sb.WriteString("rm -f \"$_udroid_env\"\n")
	sb.WriteString("unset _udroid_env\n")
	sb.WriteString(command)
	return sb.String(), payload
}

// Background starts command detached from the calling shell with its output
// sent to logPath.
func Background(command, logPath string) string {
	return fmt.Sprintf("nohup sh -c %s > %s 2>&1 &", Quote(command), Quote(logPath))
}

// KillMatching terminates processes whose command line matches pattern. It
// succeeds when nothing matches.
func KillMatching(pattern string) string {
	return fmt.Sprintf("pkill -f %s || true", Quote(pattern))
}
