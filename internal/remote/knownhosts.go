package remote

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// scrubKnownHosts removes every known-hosts entry whose host list contains
// the marker (e.g. "[127.0.0.1]:22405"). Hashed entries cannot be matched and
// are left alone; they do not collide with bracketed loopback markers in
// practice. A missing file is fine.
func scrubKnownHosts(path, marker string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	lines := strings.Split(string(data), "\n")
	kept := make([]string, 0, len(lines))
	removed := 0
	for _, line := range lines {
		if entryMatchesHost(line, marker) {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	if removed == 0 {
		return nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(kept, "\n")), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func entryMatchesHost(line, marker string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return false
	}
	fields := strings.Fields(trimmed)
	if len(fields) < 2 {
		return false
	}
	for _, host := range strings.Split(fields[0], ",") {
		if host == marker {
			return true
		}
	}
	return false
}
