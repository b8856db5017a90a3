package sofixer

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Fixer invokes the external SoFixer executable, which repairs a raw
// library dump into a loadable file given the original load base.
type Fixer struct {
	// Path of the SoFixer executable.
	Path string
}

// New returns a Fixer for the tool at path.
func New(path string) *Fixer {
	return &Fixer{Path: path}
}

// Available reports whether the tool exists on disk.
func (f *Fixer) Available() bool {
	if f.Path == "" {
		return false
	}
	fi, err := os.Stat(f.Path)
	return err == nil && fi.Mode().IsRegular()
}

// Fix repairs the dump at dumpPath, originally loaded at base, writing the
// result to outPath. Success is exit code zero; on success the tool's
// stdout is returned, on failure its captured stderr is surfaced in the
// error. The raw dump is kept either way.
func (f *Fixer) Fix(base uint64, dumpPath, outPath string) (string, error) {
	cmd := exec.Command(f.Path,
		"-m", fmt.Sprintf("%#x", base),
		"-s", dumpPath,
		"-o", outPath)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("sofixer failed: %v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
