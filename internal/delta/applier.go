// Package delta applies downloaded patch payloads to files of the install.
package delta

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/lanternops/gamepatch/internal/logging"
)

var log = logging.L("delta")

// Waiter blocks until none of the given paths is held by another process.
type Waiter interface {
	Wait(ctx context.Context, paths ...string) error
}

// Applier replaces files of the install with patched content.
type Applier struct {
	codec Codec
	guard Waiter
}

// NewApplier returns an Applier that decodes with codec and gates every
// file operation on guard.
func NewApplier(codec Codec, guard Waiter) *Applier {
	return &Applier{codec: codec, guard: guard}
}

// ApplyDelta decodes patchFile against localFile into a temp file next to
// localFile, then renames it over localFile and removes patchFile. On any
// failure localFile keeps its original content and the temp file is removed.
// progress receives whole percentages 0-100.
func (a *Applier) ApplyDelta(ctx context.Context, localFile, patchFile string, progress func(percent int)) error {
	if err := a.guard.Wait(ctx, localFile, patchFile); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tmpName, err := a.decode(localFile, patchFile, progress)
	if err != nil {
		return err
	}

	if err := a.guard.Wait(ctx, localFile, patchFile, tmpName); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, localFile); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", localFile, err)
	}

	if err := os.Remove(patchFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("patch applied but payload could not be removed", logging.KeyPatchFile, patchFile, "error", err)
	}
	return nil
}

func (a *Applier) decode(localFile, patchFile string, progress func(int)) (string, error) {
	base, err := os.Open(localFile)
	if err != nil {
		return "", fmt.Errorf("open base file: %w", err)
	}
	defer base.Close()

	baseInfo, err := base.Stat()
	if err != nil {
		return "", fmt.Errorf("stat base file: %w", err)
	}

	patch, err := os.Open(patchFile)
	if err != nil {
		return "", fmt.Errorf("open patch file: %w", err)
	}
	defer patch.Close()

	patchSize := int64(-1)
	if info, err := patch.Stat(); err == nil {
		patchSize = info.Size()
	}

	tmp, err := os.CreateTemp(filepath.Dir(localFile), "."+filepath.Base(localFile)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	fail := func(err error) (string, error) {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}

	var relay ProgressFunc
	if progress != nil {
		relay = func(f float64) { progress(int(f * 100)) }
	}

	if err := a.codec.Decode(base, patch, patchSize, tmp, relay); err != nil {
		return fail(fmt.Errorf("decode %s: %w", patchFile, err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, baseInfo.Mode().Perm()); err != nil {
		log.Debug("could not copy file mode to patched file", "error", err)
	}
	return tmpName, nil
}

// ApplyNewFile moves the complete payload patchFile onto localFile,
// replacing any existing file and creating parent directories.
func (a *Applier) ApplyNewFile(ctx context.Context, localFile, patchFile string) error {
	if err := a.guard.Wait(ctx, localFile, patchFile); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(localFile), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", localFile, err)
	}

	err := os.Rename(patchFile, localFile)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("move %s: %w", patchFile, err)
	}

	// Staging may live on another volume; fall back to copy and rename.
	log.Debug("rename failed, copying payload instead", logging.KeyPatchFile, patchFile, "error", err)
	if err := copyReplace(patchFile, localFile); err != nil {
		return fmt.Errorf("move %s to %s: %w", patchFile, localFile, err)
	}
	if err := os.Remove(patchFile); err != nil {
		log.Warn("payload copied but could not be removed", logging.KeyPatchFile, patchFile, "error", err)
	}
	return nil
}

func copyReplace(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
