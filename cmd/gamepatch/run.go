package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lanternops/gamepatch/internal/config"
	"github.com/lanternops/gamepatch/internal/delta"
	"github.com/lanternops/gamepatch/internal/fileguard"
	"github.com/lanternops/gamepatch/internal/journal"
	"github.com/lanternops/gamepatch/internal/metrics"
	"github.com/lanternops/gamepatch/internal/preflight"
	"github.com/lanternops/gamepatch/internal/transport"
	"github.com/lanternops/gamepatch/internal/updater"
	"github.com/lanternops/gamepatch/internal/versionstore"
)

var quiet bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Apply all pending updates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpdate(cmd.OutOrStdout())
	},
}

func init() {
	runCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the final status")
}

func runUpdate(out io.Writer) error {
	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var recorders []updater.Recorder
	m := metrics.New()
	if cfg.MetricsTextfile != "" {
		recorders = append(recorders, m)
	}
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			log.Warn("run journal unavailable", "path", cfg.JournalPath, "error", err)
		} else {
			defer j.Close()
			recorders = append(recorders, j)
		}
	}

	patcher, err := newPatcher(ctx, cfg, newCLIReporter(out, quiet), recorders)
	if err != nil {
		return err
	}
	defer patcher.Close(context.Background())

	runErr := <-patcher.Start(ctx)

	if cfg.MetricsTextfile != "" {
		if err := m.WriteTextfile(cfg.MetricsTextfile); err != nil {
			log.Warn("failed to write metrics textfile", "path", cfg.MetricsTextfile, "error", err)
		}
	}
	return runErr
}

// newPatcher wires the updater's collaborators from cfg.
func newPatcher(ctx context.Context, cfg *config.Config, reporter updater.Reporter, recorders []updater.Recorder) (*updater.Patcher, error) {
	client, err := transport.New(ctx, transportOptions(cfg))
	if err != nil {
		return nil, err
	}

	guard := fileguard.New(time.Duration(cfg.LockWaitTimeoutSeconds) * time.Second)
	return updater.New(&updater.Config{
		ServerURL:  cfg.ServerURL,
		InstallDir: cfg.InstallDir,
		StagingDir: cfg.StagingPath(),
		Downloader: client,
		Store:      versionstore.New(cfg.VersionPath()),
		Applier:    delta.NewApplier(delta.BSDiff{}, guard),
		Reporter:   reporter,
		Recorders:  recorders,
		Preflight: preflight.Func(preflight.Options{
			InstallDir: cfg.InstallDir,
			StagingDir: cfg.StagingPath(),
			MinFreeMB:  cfg.MinFreeDiskMB,
		}),
	}), nil
}

func transportOptions(cfg *config.Config) transport.Options {
	return transport.Options{
		ServerURL:         cfg.ServerURL,
		Timeout:           time.Duration(cfg.HTTPTimeoutSeconds) * time.Second,
		Retries:           cfg.HTTPRetries,
		MaxBytesPerSecond: cfg.MaxBytesPerSecond,
		S3Region:          cfg.S3Region,
		S3Endpoint:        cfg.S3Endpoint,
		S3AccessKeyID:     cfg.S3AccessKeyID,
		S3SecretAccessKey: cfg.S3SecretAccessKey,
		GCSAnonymous:      cfg.GCSAnonymous,
		AzureSASToken:     cfg.AzureSASToken,
		B2AccountID:       cfg.B2AccountID,
		B2ApplicationKey:  cfg.B2ApplicationKey,
	}
}

// cliReporter prints status lines and redraws a single progress line.
type cliReporter struct {
	mu       sync.Mutex
	out      io.Writer
	quiet    bool
	last     string
	progress int
	drawn    bool
}

func newCLIReporter(out io.Writer, quiet bool) *cliReporter {
	return &cliReporter{out: out, quiet: quiet, progress: -1}
}

func (r *cliReporter) Progress(percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quiet || percent == r.progress {
		return
	}
	r.progress = percent
	r.drawn = true
	fmt.Fprintf(r.out, "\r  %3d%%", percent)
}

func (r *cliReporter) Status(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = text
	if r.quiet {
		return
	}
	r.endProgressLine()
	fmt.Fprintln(r.out, text)
}

func (r *cliReporter) Completed(outcome updater.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quiet {
		fmt.Fprintln(r.out, r.last)
		return
	}
	r.endProgressLine()
}

func (r *cliReporter) endProgressLine() {
	if r.drawn {
		fmt.Fprintln(r.out)
		r.drawn = false
	}
	r.progress = -1
}
