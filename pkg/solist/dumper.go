package solist

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mrack/tinydump/pkg/config"
	"github.com/mrack/tinydump/pkg/logflags"
	"github.com/mrack/tinydump/pkg/proc"
	"github.com/mrack/tinydump/pkg/sofixer"
)

// Dumper extracts one native library from a stopped process: it resolves
// the library's true mapped size through the linker registry, writes the
// raw image and optionally hands it to the external repair tool.
type Dumper struct {
	proc   *proc.Process
	target string
	outDir string
	conf   *config.Config
	fixer  *sofixer.Fixer
	log    *logrus.Entry
}

// NewDumper returns a Dumper for the library whose pathname contains
// target. Auto-fix is enabled when the configured SoFixer tool exists.
func NewDumper(p *proc.Process, target, outDir string, conf *config.Config) *Dumper {
	d := &Dumper{
		proc:   p,
		target: target,
		outDir: outDir,
		conf:   conf,
		log:    logflags.SolistLogger(),
	}
	if f := sofixer.New(conf.SoFixerPath); f.Available() {
		d.fixer = f
	} else {
		d.log.Warnf("sofixer not found at %q, auto-fix disabled", conf.SoFixerPath)
	}
	return d
}

// Dump performs the extraction and returns the path of the raw dump. The
// linker symbol is resolved before the target is paused; everything that
// touches the target's memory runs with the target stopped, and the target
// is resumed on every exit path.
func (d *Dumper) Dump() (string, error) {
	symOffset, err := SymbolOffset(d.conf.LinkerPath)
	if err != nil {
		return "", err
	}
	d.log.Debugf("solist offset %#x", symOffset)

	var dumpPath string
	var targetBase uint64
	err = d.proc.ExecStopped(func() error {
		regions, err := proc.MemoryMap(d.proc.Pid())
		if err != nil {
			return err
		}
		locator := New(d.proc, regions, d.conf)

		linkerBase, err := locator.LinkerBase()
		if err != nil {
			return err
		}
		d.log.Debugf("linker base %#x", linkerBase)

		base, end, err := locator.TargetMapping(d.target)
		if err != nil {
			return err
		}
		targetBase = base
		mappedSize := end - base
		d.log.Infof("target base %#x, end %#x, mapped span %d", base, end, mappedSize)

		head, err := locator.RegistryHead(linkerBase, symOffset)
		if err != nil {
			return err
		}

		size := locator.ResolveSize(head, base, mappedSize)
		dumpPath, err = d.writeDump(base, size)
		return err
	})
	if err != nil {
		return "", err
	}

	if d.fixer != nil {
		d.fix(targetBase, dumpPath)
	}
	return dumpPath, nil
}

func (d *Dumper) writeDump(base, size uint64) (string, error) {
	d.log.Infof("dumping so from %#x, size %d", base, size)

	data := make([]byte, size)
	if _, err := d.proc.ReadMemory(data, base); err != nil {
		return "", err
	}

	stem := path.Base(d.target)
	stem = strings.TrimSuffix(stem, path.Ext(stem))
	outPath := filepath.Join(d.outDir, fmt.Sprintf("%s_%#x_%d_dump.so", stem, base, size))

	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return "", err
	}
	d.log.Infof("so dumped to %s", outPath)
	return outPath, nil
}

// fix runs the external repair tool over the raw dump. A repair failure is
// logged and the raw dump kept; it never fails the extraction.
func (d *Dumper) fix(base uint64, dumpPath string) {
	fixedPath := dumpPath + ".fix.so"
	out, err := d.fixer.Fix(base, dumpPath, fixedPath)
	if err != nil {
		d.log.Warnf("auto-fix failed: %v, raw dump kept", err)
		return
	}
	if out != "" {
		d.log.Infof("sofixer: %s", out)
	}
	d.log.Infof("so fixed: %s", fixedPath)
}
