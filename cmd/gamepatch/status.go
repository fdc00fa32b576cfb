package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lanternops/gamepatch/internal/config"
	"github.com/lanternops/gamepatch/internal/journal"
	"github.com/lanternops/gamepatch/internal/updater"
)

var (
	outputFormat string
	historyLimit int
	historyRun   string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local and remote versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.OutOrStdout())
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent update runs from the journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showHistory(cmd.OutOrStdout())
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the given server and install directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeConfig(cmd.OutOrStdout())
	},
}

func init() {
	statusCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "output format: text or yaml")
	historyCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "output format: text or yaml")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to list")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "show the patches applied by one run")
}

type statusReport struct {
	Server     string `yaml:"server"`
	InstallDir string `yaml:"installDir"`
	Local      int    `yaml:"localVersion"`
	Remote     int    `yaml:"remoteVersion"`
	Pending    int    `yaml:"pendingUpdates"`
	Error      string `yaml:"error,omitempty"`
}

func showStatus(out io.Writer) error {
	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.HTTPTimeoutSeconds)*time.Second)
	defer cancel()

	patcher, err := newPatcher(ctx, cfg, nil, nil)
	if err != nil {
		return err
	}
	defer patcher.Close(context.Background())

	report := statusReport{Server: cfg.ServerURL, InstallDir: cfg.InstallDir}
	local, remote, err := patcher.Check(ctx)
	report.Local = local
	if err != nil {
		report.Error = err.Error()
	} else {
		report.Remote = remote
		report.Pending = remote - local
	}

	if err := printStatus(out, report); err != nil {
		return err
	}
	return err
}

func printStatus(out io.Writer, r statusReport) error {
	if outputFormat == "yaml" {
		return yaml.NewEncoder(out).Encode(r)
	}
	fmt.Fprintf(out, "Server:          %s\n", r.Server)
	fmt.Fprintf(out, "Install dir:     %s\n", r.InstallDir)
	fmt.Fprintf(out, "Local version:   %d\n", r.Local)
	if r.Error != "" {
		fmt.Fprintf(out, "Remote version:  unavailable (%s)\n", r.Error)
		return nil
	}
	fmt.Fprintf(out, "Remote version:  %d\n", r.Remote)
	switch {
	case r.Pending == 0:
		fmt.Fprintln(out, "Status:          up to date")
	case r.Pending < 0:
		fmt.Fprintf(out, "Status:          local version is ahead of the server (%v)\n", updater.ErrVersionRegressed)
	default:
		fmt.Fprintf(out, "Status:          %d updates pending\n", r.Pending)
	}
	return nil
}

func showHistory(out io.Writer) error {
	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	if cfg.JournalPath == "" {
		return fmt.Errorf("journal_path is not configured")
	}
	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx := context.Background()
	if historyRun != "" {
		patches, err := j.Patches(ctx, historyRun)
		if err != nil {
			return err
		}
		return printPatches(out, patches)
	}

	runs, err := j.Runs(ctx, historyLimit)
	if err != nil {
		return err
	}
	return printRuns(out, runs)
}

func printRuns(out io.Writer, runs []journal.Run) error {
	if outputFormat == "yaml" {
		return yaml.NewEncoder(out).Encode(runs)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tFROM\tTO\tSTEPS\tOUTCOME")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID, r.StartedAt.Format(time.RFC3339), r.LocalStart, r.Remote, r.StepsApplied, r.Outcome)
	}
	return tw.Flush()
}

func printPatches(out io.Writer, patches []journal.PatchRecord) error {
	if outputFormat == "yaml" {
		return yaml.NewEncoder(out).Encode(patches)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tKIND\tFILE\tPATCH\tDURATION")
	for _, p := range patches {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", p.Version, p.Kind, p.LocalFile, p.PatchFile, p.Duration)
	}
	return tw.Flush()
}

func writeConfig(out io.Writer) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		cfg = config.Default()
	}
	applyFlagOverrides(cfg)

	if result := cfg.Validate(); result.HasFatals() {
		return fmt.Errorf("invalid config: %w", result.Fatals[0])
	}

	path, err := config.SaveTo(cfg, cfgFile)
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Fprintf(out, "Config written to %s\n", path)
	fmt.Fprintln(out, "Run 'gamepatch run' to apply updates.")
	return nil
}
