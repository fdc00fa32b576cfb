// Package updater brings an installation from its local version up to the
// version published by the patch server, one version step at a time.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lanternops/gamepatch/internal/logging"
	"github.com/lanternops/gamepatch/internal/manifest"
	"github.com/lanternops/gamepatch/internal/transport"
	"github.com/lanternops/gamepatch/internal/versionstore"
	"github.com/lanternops/gamepatch/internal/workerpool"
)

var log = logging.L("updater")

// VersionEndpoint is the server-relative path of the published version.
const VersionEndpoint = "version.txt"

// VersionStore persists the installed version.
type VersionStore interface {
	ReadLocal() int
	Read() (int, error)
	WriteLocal(v int) error
}

// Applier installs a downloaded payload.
type Applier interface {
	ApplyDelta(ctx context.Context, localFile, patchFile string, progress func(percent int)) error
	ApplyNewFile(ctx context.Context, localFile, patchFile string) error
}

// Config holds the collaborators of a Patcher.
type Config struct {
	ServerURL  string
	InstallDir string
	StagingDir string // defaults to InstallDir/.patches

	Downloader transport.Downloader
	Store      VersionStore
	Applier    Applier
	Reporter   Reporter
	Recorders  []Recorder

	// Preflight runs once before the first download of a run that has
	// updates to apply.
	Preflight func(ctx context.Context) error
}

// Patcher runs update sessions against one installation.
type Patcher struct {
	server     string
	installDir string
	stagingDir string

	downloader transport.Downloader
	manifests  *manifest.Fetcher
	store      VersionStore
	applier    Applier
	reporter   Reporter
	recorder   multiRecorder
	preflight  func(ctx context.Context) error

	pool    *workerpool.Pool
	running atomic.Bool
}

// New creates a Patcher. Reporter defaults to NopReporter.
func New(cfg *Config) *Patcher {
	staging := cfg.StagingDir
	if staging == "" {
		staging = filepath.Join(cfg.InstallDir, ".patches")
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = NopReporter{}
	}
	return &Patcher{
		server:     cfg.ServerURL,
		installDir: cfg.InstallDir,
		stagingDir: staging,
		downloader: cfg.Downloader,
		manifests:  manifest.NewFetcher(cfg.ServerURL, cfg.Downloader),
		store:      cfg.Store,
		applier:    cfg.Applier,
		reporter:   reporter,
		recorder:   multiRecorder(cfg.Recorders),
		preflight:  cfg.Preflight,
		pool:       workerpool.New("updater", 1, 1),
	}
}

// Start runs an update session on the Patcher's worker and returns a
// channel that receives its terminal error (nil on success). Only one run
// may be active at a time; otherwise the channel receives ErrRunInProgress.
func (p *Patcher) Start(ctx context.Context) <-chan error {
	result := make(chan error, 1)
	if !p.running.CompareAndSwap(false, true) {
		result <- ErrRunInProgress
		return result
	}

	err := p.pool.Submit(func(poolCtx context.Context) {
		result <- p.runOnWorker(ctx, poolCtx)
	})
	if err != nil {
		p.running.Store(false)
		result <- err
	}
	return result
}

// runOnWorker runs one session for Start. The run slot is released before
// the result reaches the caller, and a panic still yields a result.
func (p *Patcher) runOnWorker(ctx, poolCtx context.Context) (err error) {
	defer p.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			log.Error("update run panicked", "panic", r, "stack", string(debug.Stack()))
			err = panicError(r)
		}
	}()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(poolCtx, cancel)
	defer stop()
	return p.Run(runCtx)
}

// Close stops the worker. A run still in flight is cancelled once ctx
// expires.
func (p *Patcher) Close(ctx context.Context) {
	p.pool.Shutdown(ctx)
}

// Check returns the local and remote versions without changing anything.
func (p *Patcher) Check(ctx context.Context) (local, remote int, err error) {
	local = p.store.ReadLocal()
	remote, err = p.fetchRemote(ctx)
	if err != nil {
		return local, 0, &Error{Kind: KindVersionFetch, Op: "fetch version", Err: err}
	}
	return local, remote, nil
}

// Run performs one update session synchronously. The returned error, if
// any, is an *Error.
func (p *Patcher) Run(ctx context.Context) error {
	s := newSession()
	s.LocalAtStart = p.store.ReadLocal()
	logger := logging.WithRun(log, s.RunID)
	p.recorder.RunStarted(s)

	err := p.guardedRun(ctx, s, logger)

	elapsed := time.Since(s.StartedAt)
	if err != nil {
		var ue *Error
		if !errors.As(err, &ue) {
			ue = &Error{Kind: KindPatchApply, Op: "update", Err: err}
		}
		err = ue
		s.Kind = ue.Kind
		logger.Error("update failed",
			"kind", ue.Kind.String(),
			"op", ue.Op,
			logging.KeyVersion, s.Version,
			logging.KeyDurationMs, elapsed.Milliseconds(),
			logging.KeyError, ue.Err,
		)
		p.notify(logger, func() {
			p.reporter.Status(ue.Kind.Message())
			p.reporter.Completed(Failure)
		})
	} else {
		logger.Info("update finished",
			"from", s.LocalAtStart,
			"to", s.Remote,
			"steps", s.Applied,
			logging.KeyDurationMs, elapsed.Milliseconds(),
		)
		p.notify(logger, func() { p.reporter.Completed(Success) })
	}

	p.recorder.RunFinished(s, err)
	return err
}

// guardedRun turns a panic raised by run or one of its collaborators into a
// KindPatchApply failure.
func (p *Patcher) guardedRun(ctx context.Context, s *Session, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("update panicked", "panic", r, "stack", string(debug.Stack()))
			err = panicError(r)
		}
	}()
	return p.run(ctx, s, logger)
}

// notify delivers terminal reporter events. A reporter that panics here
// must not keep the run from finishing.
func (p *Patcher) notify(logger *slog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("reporter panicked", "panic", r)
		}
	}()
	fn()
}

func (p *Patcher) run(ctx context.Context, s *Session, logger *slog.Logger) error {
	local := s.LocalAtStart
	p.reporter.Status("Checking for updates...")
	p.reporter.Progress(0)

	if err := ctx.Err(); err != nil {
		return cancelled("fetch version", err)
	}
	remote, err := p.fetchRemote(ctx)
	if err != nil {
		return p.fail(ctx, KindVersionFetch, "fetch version", err)
	}
	s.Remote = remote
	logger.Info("versions resolved", "local", local, "remote", remote)

	if local == remote {
		p.reporter.Status("No updates found!")
		return nil
	}
	if remote < local {
		return &Error{
			Kind: KindVersionFetch,
			Op:   "compare versions",
			Err:  fmt.Errorf("%w: local %d, remote %d", ErrVersionRegressed, local, remote),
		}
	}

	s.Missing = remote - local
	p.reporter.Status(fmt.Sprintf("Found %d missing updates", s.Missing))

	if p.preflight != nil {
		if err := p.preflight(ctx); err != nil {
			return p.fail(ctx, KindPatchApply, "preflight", err)
		}
	}

	for local != remote {
		target := local + 1
		s.Step++
		s.Version = target
		p.reporter.Status(fmt.Sprintf("Downloading update %d of %d...", s.Step, s.Missing))

		if err := p.applyStep(ctx, s, target, logger); err != nil {
			return err
		}

		if local, err = p.advance(target); err != nil {
			return err
		}
		s.Applied++
		p.recorder.StepCompleted(s, target)
		logger.Info("version step applied", logging.KeyVersion, target)
	}

	p.reporter.Status(fmt.Sprintf("%d updates applied successfully!", s.Missing))
	return nil
}

// applyStep downloads and installs every patch of the step producing target,
// strictly in manifest order.
func (p *Patcher) applyStep(ctx context.Context, s *Session, target int, logger *slog.Logger) error {
	if err := ctx.Err(); err != nil {
		return cancelled("fetch manifest", err)
	}
	patches, err := p.manifests.Fetch(ctx, target)
	if err != nil {
		return p.fail(ctx, KindManifest, "fetch manifest", err)
	}
	s.PatchCount = len(patches)
	s.PatchIndex = 0
	logger.Debug("manifest loaded", logging.KeyVersion, target, "patches", len(patches))

	for i, patch := range patches {
		s.PatchIndex = i + 1
		start := time.Now()

		if err := ctx.Err(); err != nil {
			return cancelled("download patch", err)
		}
		p.reporter.Progress(0)
		p.reporter.Status(fmt.Sprintf("Downloading patch %d of %d...", i+1, len(patches)))

		staged := resolve(p.stagingDir, patch.PatchFile)
		if err := p.download(ctx, p.payloadURL(target, patch.PatchFile), staged); err != nil {
			return p.fail(ctx, KindPatchApply, "download patch", err)
		}

		localFile := resolve(p.installDir, patch.LocalFile)
		if patch.IsNewFile {
			if err := p.applier.ApplyNewFile(ctx, localFile, staged); err != nil {
				return p.fail(ctx, KindPatchApply, "install new file", err)
			}
		} else {
			if err := ctx.Err(); err != nil {
				return cancelled("apply delta", err)
			}
			p.reporter.Status(fmt.Sprintf("Applying patch %s...", patch.PatchFile))
			if err := p.applier.ApplyDelta(ctx, localFile, staged, p.reporter.Progress); err != nil {
				return p.fail(ctx, KindPatchApply, "apply delta", err)
			}
		}

		p.reporter.Status(fmt.Sprintf("Patch %s applied successfully!", patch.PatchFile))
		p.recorder.PatchApplied(s, patch, time.Since(start))
		logger.Debug("patch applied",
			logging.KeyLocalFile, patch.LocalFile,
			logging.KeyPatchFile, patch.PatchFile,
			"kind", patch.Kind(),
		)
	}
	return nil
}

// advance persists target and reads it back. The value read back, not the
// in-memory increment, becomes the new local version.
func (p *Patcher) advance(target int) (int, error) {
	if err := p.store.WriteLocal(target); err != nil {
		return 0, &Error{Kind: KindPatchApply, Op: "persist version", Err: err}
	}
	got, err := p.store.Read()
	if err != nil {
		return 0, &Error{Kind: KindPatchApply, Op: "re-read version", Err: err}
	}
	if got != target {
		return 0, &Error{
			Kind: KindPatchApply,
			Op:   "re-read version",
			Err:  fmt.Errorf("version file holds %d, expected %d", got, target),
		}
	}
	return got, nil
}

// download fetches one payload and waits for the downloader's completion
// callback or for ctx to end, whichever comes first.
func (p *Patcher) download(ctx context.Context, rawURL, dest string) error {
	gate := &gatedReporter{next: p.reporter}
	defer gate.close()

	done := make(chan error, 1)
	p.downloader.FetchFile(ctx, rawURL, dest, gate.Progress, func(err error) {
		done <- err
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Patcher) fetchRemote(ctx context.Context) (int, error) {
	body, err := p.downloader.FetchText(ctx, manifest.JoinURL(p.server, VersionEndpoint))
	if err != nil {
		return 0, err
	}
	v, err := versionstore.Parse(body)
	if err != nil {
		return 0, fmt.Errorf("parse remote version: %w", err)
	}
	return v, nil
}

func (p *Patcher) payloadURL(version int, patchFile string) string {
	parts := strings.Split(strings.ReplaceAll(patchFile, `\`, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return manifest.JoinURL(p.server, fmt.Sprintf("%d/%s", version, strings.Join(parts, "/")))
}

// fail wraps err with kind, unless the failure was caused by cancellation.
func (p *Patcher) fail(ctx context.Context, kind Kind, op string, err error) *Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return cancelled(op, err)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func panicError(r any) *Error {
	return &Error{Kind: KindPatchApply, Op: "update", Err: fmt.Errorf("panic: %v", r)}
}

func cancelled(op string, err error) *Error {
	return &Error{Kind: KindCancelled, Op: op, Err: err}
}

// resolve maps a manifest path (either slash style) below base.
func resolve(base, rel string) string {
	return filepath.Join(base, filepath.FromSlash(strings.ReplaceAll(rel, `\`, "/")))
}
