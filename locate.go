package ooa

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// LicenseSource returns the raw license file for a content ID.
type LicenseSource func(contentID string) ([]byte, error)

// Locator finds license files on disk. Directories are searched in order for
// "<id>.dlf" then "<id>_cached.dlf"; Fallback is read last.
type Locator struct {
	Dirs     []string
	Fallback string
}

// DefaultLocator searches the EA license store (Windows only) and the working
// directory, then fallback if not empty.
func DefaultLocator(fallback string) *Locator {
	var dirs []string
	if runtime.GOOS == "windows" {
		dirs = append(dirs, windowsLicenseDir())
	}
	dirs = append(dirs, ".")
	return &Locator{Dirs: dirs, Fallback: fallback}
}

func windowsLicenseDir() string {
	base := os.Getenv("ProgramData")
	if base == "" {
		base = `C:\ProgramData`
	}
	return filepath.Join(base, "Electronic Arts", "EA Services", "License")
}

// Candidates lists the paths Find tries, in order.
func (l *Locator) Candidates(contentID string) []string {
	var paths []string
	for _, dir := range l.Dirs {
		paths = append(paths,
			filepath.Join(dir, contentID+".dlf"),
			filepath.Join(dir, contentID+"_cached.dlf"),
		)
	}
	if l.Fallback != "" {
		paths = append(paths, l.Fallback)
	}
	return paths
}

// Find returns the contents and path of the first readable candidate.
func (l *Locator) Find(contentID string) ([]byte, string, error) {
	if contentID == "" || strings.ContainsAny(contentID, `/\`) || contentID == "." || contentID == ".." {
		return nil, "", errors.Wrapf(ErrLicenseNotFound, "content ID %q is not a file name", contentID)
	}
	for _, path := range l.Candidates(contentID) {
		data, err := os.ReadFile(path)
		if err == nil {
			return data, path, nil
		}
	}
	return nil, "", errors.Wrapf(ErrLicenseNotFound, "no license for %q", contentID)
}

// Source adapts l to a LicenseSource.
func (l *Locator) Source() LicenseSource {
	return func(contentID string) ([]byte, error) {
		data, _, err := l.Find(contentID)
		return data, err
	}
}
