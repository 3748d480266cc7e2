package buildcache

import (
	"fmt"
	"os"
)

// replace publishes staging at final, where final already exists. When the
// platform can exchange two directories atomically it does so; otherwise the
// old entry is renamed aside first, leaving a short window without an entry.
// On return staging no longer holds the new content.
func replace(staging, final string) error {
	if err := exchange(staging, final); err == nil {
		// staging now holds the previous entry.
		return os.RemoveAll(staging)
	}
	aside := staging + ".old"
	if err := os.Rename(final, aside); err != nil {
		return fmt.Errorf("move old entry aside: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		_ = os.Rename(aside, final)
		return fmt.Errorf("publish new entry: %w", err)
	}
	return os.RemoveAll(aside)
}
