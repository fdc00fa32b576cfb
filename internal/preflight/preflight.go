// Package preflight checks that an installation can take updates before any
// payload is downloaded.
package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/lanternops/gamepatch/internal/logging"
)

var log = logging.L("preflight")

// ErrPreflightFailed indicates a check failed before patching could proceed.
type ErrPreflightFailed struct {
	Check   string // "disk_space", "install_dir_writable" or "staging_dir"
	Message string
}

func (e *ErrPreflightFailed) Error() string {
	return fmt.Sprintf("preflight check %q failed: %s", e.Check, e.Message)
}

// Options configures which checks Run performs.
type Options struct {
	InstallDir string
	StagingDir string
	MinFreeMB  int64 // 0 disables the disk space check
}

// Result captures the outcome of all checks.
type Result struct {
	OK     bool
	Checks []Check
}

// Check is one individual check result.
type Check struct {
	Name    string
	Passed  bool
	Message string
}

// FirstError returns the first failed check as an ErrPreflightFailed, or nil
// if all passed.
func (r Result) FirstError() error {
	for _, check := range r.Checks {
		if !check.Passed {
			return &ErrPreflightFailed{Check: check.Name, Message: check.Message}
		}
	}
	return nil
}

// usageFunc is swapped in tests.
var usageFunc = disk.UsageWithContext

// Run performs every configured check and reports all of them.
func Run(ctx context.Context, opts Options) Result {
	result := Result{OK: true}
	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.OK = false
		}
	}

	add(checkWritable(opts.InstallDir))
	if opts.StagingDir != "" {
		add(checkStaging(opts.StagingDir))
	}
	if opts.MinFreeMB > 0 {
		add(checkDiskSpace(ctx, opts.InstallDir, opts.MinFreeMB))
	}

	for _, c := range result.Checks {
		log.Debug("preflight check", "check", c.Name, "passed", c.Passed, "message", c.Message)
	}
	return result
}

// Func adapts Run to the updater's preflight hook.
func Func(opts Options) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return Run(ctx, opts).FirstError()
	}
}

func checkWritable(dir string) Check {
	check := Check{Name: "install_dir_writable"}

	info, err := os.Stat(dir)
	if err != nil {
		check.Message = fmt.Sprintf("install directory %s: %v", dir, err)
		return check
	}
	if !info.IsDir() {
		check.Message = fmt.Sprintf("install directory %s is not a directory", dir)
		return check
	}

	f, err := os.CreateTemp(dir, ".gamepatch-probe-*")
	if err != nil {
		check.Message = fmt.Sprintf("install directory %s is not writable: %v", dir, err)
		return check
	}
	name := f.Name()
	f.Close()
	os.Remove(name)

	check.Passed = true
	check.Message = fmt.Sprintf("%s is writable", dir)
	return check
}

func checkStaging(dir string) Check {
	check := Check{Name: "staging_dir"}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		check.Message = fmt.Sprintf("cannot create staging directory %s: %v", dir, err)
		return check
	}
	check.Passed = true
	check.Message = fmt.Sprintf("staging in %s", dir)
	return check
}

// checkDiskSpace verifies the volume holding dir has at least minMB free.
func checkDiskSpace(ctx context.Context, dir string, minMB int64) Check {
	check := Check{Name: "disk_space"}

	path := existingAncestor(dir)
	usage, err := usageFunc(ctx, path)
	if err != nil {
		check.Message = fmt.Sprintf("failed to check disk space on %s: %v", path, err)
		return check
	}

	freeMB := int64(usage.Free / (1024 * 1024))
	if freeMB < minMB {
		check.Message = fmt.Sprintf("insufficient disk space: %d MB free, minimum %d MB required", freeMB, minMB)
		return check
	}

	check.Passed = true
	check.Message = fmt.Sprintf("%d MB free on %s", freeMB, path)
	return check
}

func existingAncestor(dir string) string {
	p, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}
