package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/schaermu/patchd/internal/journal"
	"github.com/schaermu/patchd/internal/patch"
	"github.com/schaermu/patchd/internal/remote"
)

var historyLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show remote patches and which of them are installed",
	Long: `Status lists every patch in the remote manifest, newest first, with its
install state. When no mirror is reachable the applied patches are still
shown along with the remote error.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			report, err := a.engine.Status(ctx)
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), report, func(w io.Writer) error {
				return printReport(w, report)
			})
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the mirrors for patches that are not installed yet",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			report, err := a.engine.Check(ctx)
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), report, func(w io.Writer) error {
				pending := report.Pending()
				if len(pending) == 0 {
					_, err := fmt.Fprintln(w, "Already up to date.")
					return err
				}
				_, _ = printer.Fprintf(w, "%d %s available from %s:\n", len(pending), plural(len(pending), "patch", "patches"), report.Source)
				return printEntries(w, pending)
			})
		})
	},
}

var installCmd = &cobra.Command{
	Use:   "install <version>",
	Short: "Download and install a patch",
	Long: `Install downloads every file of the given patch, backs up the files it
overwrites, and records the patch in the ledger. Patches must be installed in
order: a version older than the newest installed patch is refused.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			res, err := a.engine.Install(ctx, args[0])
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), res, func(w io.Writer) error {
				_, _ = printer.Fprintf(w, "Installed patch %s (%d %s, list from %s)\n",
					res.Version, len(res.Files), plural(len(res.Files), "file", "files"), res.ListFrom)
				if res.BackupDir != "" {
					_, _ = printer.Fprintf(w, "Backup: %s (%d %s)\n", res.BackupDir, len(res.BackedUp), plural(len(res.BackedUp), "file", "files"))
				}
				if res.Warning != "" {
					_, _ = fmt.Fprintf(w, "Warning: %s\n", res.Warning)
				}
				return nil
			})
		})
	},
}

var filesCmd = &cobra.Command{
	Use:   "files <version>",
	Short: "List the files of a patch for a step-by-step install",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			res, err := a.engine.FileList(ctx, args[0])
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), res, func(w io.Writer) error {
				for _, f := range res.Files {
					_, _ = fmt.Fprintln(w, f)
				}
				return nil
			})
		})
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <version> <path>",
	Short: "Download and apply a single file of a patch",
	Long: `Fetch installs one file of a patch, backing up the current file first.
Run "patchd finish <version>" once every file is in place to record the patch.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			res, err := a.engine.DownloadFile(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), res, func(w io.Writer) error {
				_, err := printer.Fprintf(w, "Wrote %s (%d bytes from %s)\n", res.Path, res.Bytes, res.Source)
				return err
			})
		})
	},
}

var finishCmd = &cobra.Command{
	Use:   "finish <version>",
	Short: "Record a patch installed file by file and clear caches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			res, err := a.engine.Finish(ctx, args[0])
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), res, func(w io.Writer) error {
				_, _ = fmt.Fprintf(w, "Recorded patch %s\n", res.Version)
				if res.Warning != "" {
					_, _ = fmt.Fprintf(w, "Warning: %s\n", res.Warning)
				}
				return nil
			})
		})
	},
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Probe every mirror with every transport",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			probes, err := a.engine.Diagnose(ctx)
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), probes, func(w io.Writer) error {
				return printProbes(w, probes)
			})
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show recorded install runs, newest first, or one run by id",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if len(args) == 1 {
				run, err := a.engine.Run(ctx, args[0])
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), run, func(w io.Writer) error {
					return printRuns(w, []journal.Run{*run})
				})
			}

			runs, err := a.engine.History(ctx, historyLimit)
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), runs, func(w io.Writer) error {
				return printRuns(w, runs)
			})
		})
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs to show (0 for all)")

	rootCmd.AddCommand(statusCmd, checkCmd, installCmd, filesCmd, fetchCmd, finishCmd, diagnoseCmd, historyCmd)
}

func printReport(w io.Writer, report *patch.Report) error {
	latest := report.Latest
	if latest == "" {
		latest = "none"
	}
	_, _ = printer.Fprintf(w, "Installed: %d %s, latest %s\n", len(report.Applied), plural(len(report.Applied), "patch", "patches"), latest)
	if report.RemoteError != "" {
		_, _ = fmt.Fprintf(w, "Remote unavailable: %s\n", report.RemoteError)
		return nil
	}
	_, _ = fmt.Fprintf(w, "Source: %s\n", report.Source)
	return printEntries(w, report.Patches)
}

func printEntries(w io.Writer, entries []patch.Entry) error {
	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "VERSION\tTIME\tSTATUS\tINSTALLABLE")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Version, e.UpdateTime, e.Status, yesNo(e.CanInstall))
	}
	return tw.Flush()
}

func printProbes(w io.Writer, probes []remote.Probe) error {
	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "MIRROR\tTRANSPORT\tRESULT\tSTATUS\tTIME\tDETAIL")
	for _, p := range probes {
		result, detail := "ok", oneLine(p.Preview)
		if !p.Success {
			result, detail = "failed", p.Error
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			p.Mirror, p.Transport, result, p.Status, p.Elapsed.Round(time.Millisecond), detail)
	}
	return tw.Flush()
}

func printRuns(w io.Writer, runs []journal.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No install runs recorded.")
		return err
	}
	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "STARTED\tVERSION\tMODE\tSTATUS\tFILES\tERROR")
	for _, r := range runs {
		_, _ = printer.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Version, r.Mode, r.Status, r.Files, r.Error)
	}
	return tw.Flush()
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 60 {
		s = s[:60] + "..."
	}
	return s
}
