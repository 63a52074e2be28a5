package relay

import (
	"fmt"
	"strings"
	"time"
)

// HookDecisionTimeout bounds how long a dispatched hook decision may take
// before it resolves to a typed failure (spec §5 "Timeouts").
const HookDecisionTimeout = 10 * time.Second

// directoryRoots are the shorthands the files tool accepts for directory
// actions in place of a path (spec §4.4).
var directoryRoots = map[string]struct{}{
	"":     {},
	".":    {},
	"/":    {},
	"root": {},
}

// IsDirectoryRoot reports whether path is one of the accepted root
// shorthands for directory actions.
func IsDirectoryRoot(path string) bool {
	_, ok := directoryRoots[path]
	return ok
}

// ValidateFilePath enforces the files tool's path rules: no NUL bytes, at
// most 512 characters, and at least one non-empty segment (spec §4.4).
func ValidateFilePath(path string) error {
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("relay: path contains NUL byte")
	}
	if len(path) > 512 {
		return fmt.Errorf("relay: path exceeds 512 characters")
	}
	segments := 0
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			segments++
		}
	}
	if segments < 1 {
		return fmt.Errorf("relay: path has no segments")
	}
	return nil
}

// viewStates are the valid view_state targets.
var viewStates = map[string]struct{}{
	"min":    {},
	"normal": {},
	"max":    {},
}

// ValidateViewState checks a view_state target and rejects "max" on mobile
// (spec §4.4).
func ValidateViewState(target string, mobile bool) error {
	if _, ok := viewStates[target]; !ok {
		return fmt.Errorf("relay: unknown view state %q", target)
	}
	if mobile && target == "max" {
		return fmt.Errorf("relay: view state max is not available on mobile")
	}
	return nil
}
