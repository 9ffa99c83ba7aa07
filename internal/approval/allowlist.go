package approval

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kballard/go-shellquote"
)

var (
	segmentSplitRe = regexp.MustCompile(`&&|\|\||;|\|`)
	assignmentRe   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=.*$`)
)

// wrapperCommands are skipped when resolving the effective command name.
var wrapperCommands = map[string]struct{}{
	"sudo":    {},
	"command": {},
	"time":    {},
	"nohup":   {},
}

// ExtractShellCommandNames splits a shell command on &&, ||, ; and | and
// returns the effective command name of each segment: leading VAR=value
// assignments and one wrapper command (sudo, command, time, nohup) are
// skipped, and the name is the lowercased basename of the first token.
func ExtractShellCommandNames(command string) []string {
	var names []string
	for _, segment := range segmentSplitRe.Split(command, -1) {
		raw := strings.TrimSpace(segment)
		if raw == "" {
			continue
		}
		parts, err := shellquote.Split(raw)
		if err != nil {
			parts = strings.Fields(raw)
		}
		if len(parts) == 0 {
			continue
		}

		index := 0
		for index < len(parts) && assignmentRe.MatchString(parts[index]) {
			index++
		}
		if index >= len(parts) {
			continue
		}

		cmd := parts[index]
		if _, wrapped := wrapperCommands[cmd]; wrapped && index+1 < len(parts) {
			index++
			for index < len(parts) && assignmentRe.MatchString(parts[index]) {
				index++
			}
			if index >= len(parts) {
				continue
			}
			cmd = parts[index]
		}

		names = append(names, strings.ToLower(filepath.Base(cmd)))
	}
	return names
}

// DisallowedShellCommands returns the effective command names outside the
// allowlist, deduplicated in first-seen order.
func DisallowedShellCommands(command string, allowlist map[string]struct{}) []string {
	seen := make(map[string]struct{})
	var disallowed []string
	for _, cmd := range ExtractShellCommandNames(command) {
		if _, ok := allowlist[cmd]; ok {
			continue
		}
		if _, ok := seen[cmd]; ok {
			continue
		}
		seen[cmd] = struct{}{}
		disallowed = append(disallowed, cmd)
	}
	return disallowed
}
