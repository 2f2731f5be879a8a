package document

import (
	"context"
	"os"
	"path/filepath"

	"github.com/servaudit/servaudit/internal/domain/entity"
)

// SidecarLockChecker detects the lock files spreadsheet editors drop next to
// an open document: Excel's "~$name" and LibreOffice's ".~lock.name#"
type SidecarLockChecker struct {
	dir string
}

// NewSidecarLockChecker creates a lock checker for a workbook directory
func NewSidecarLockChecker(dir string) *SidecarLockChecker {
	return &SidecarLockChecker{dir: dir}
}

// Locked scans for editor lock files over any workbook sheet
func (s *SidecarLockChecker) Locked(ctx context.Context) (bool, string, error) {
	names := make([]string, 0, len(entity.Kinds())+1)
	for _, kind := range entity.Kinds() {
		names = append(names, kind.String()+".csv")
	}
	names = append(names, actionLogFile)

	for _, name := range names {
		for _, sidecar := range []string{"~$" + name, ".~lock." + name + "#"} {
			path := filepath.Join(s.dir, sidecar)
			if _, err := os.Stat(path); err == nil {
				return true, path, nil
			} else if !os.IsNotExist(err) {
				return false, "", err
			}
		}
	}
	return false, "", nil
}

// NopLockChecker skips the lock preflight, for setups where the workbook
// never meets a desktop editor
type NopLockChecker struct{}

// Locked always reports the workbook as free
func (NopLockChecker) Locked(ctx context.Context) (bool, string, error) {
	return false, "", nil
}
