// Package mirror writes generated handoff documents to a directory so humans
// and external tooling can read them outside the database. Writes are
// best-effort: the caller logs failures and carries on.
package mirror

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store mirrors documents to some external location.
type Store interface {
	Write(relPath, content string) error
}

// Dir mirrors documents under a base directory, creating missing parents.
type Dir struct {
	Base string
}

func (d Dir) Write(relPath, content string) error {
	if strings.TrimSpace(d.Base) == "" {
		return fmt.Errorf("mirror dir not configured")
	}
	full := filepath.Join(d.Base, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(content), 0o644)
}

// HandoffPath is the conventional mirror location for a sprint handoff.
func HandoffPath(projectSlug string, sprintNumber int) string {
	return fmt.Sprintf("%s/sprint-%02d-handoff.md", projectSlug, sprintNumber)
}

// Nop discards writes; used when mirroring is disabled.
type Nop struct{}

func (Nop) Write(string, string) error { return nil }
