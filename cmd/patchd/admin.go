package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/schaermu/patchd/internal/activation"
	"github.com/schaermu/patchd/internal/backup"
	"github.com/schaermu/patchd/internal/git"
	"github.com/schaermu/patchd/internal/publish"
	"github.com/schaermu/patchd/internal/server"
	"github.com/schaermu/patchd/internal/settings"
)

var (
	pruneKeep     int
	packageFiles  []string
	packageCommit bool
	packagePush   bool
)

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Inspect and prune backup directories",
}

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup directories, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			entries, err := backup.List(a.cfg.Paths.BackupDir)
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []backup.Entry{}
			}
			return emit(cmd.OutOrStdout(), entries, func(w io.Writer) error {
				if len(entries) == 0 {
					_, err := fmt.Fprintln(w, "No backups.")
					return err
				}
				tw := newTable(w)
				_, _ = fmt.Fprintln(tw, "NAME\tCREATED\tPATH")
				for _, e := range entries {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, e.Created.Format(time.DateTime), e.Path)
				}
				return tw.Flush()
			})
		})
	},
}

var backupsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove all but the newest backup directories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			removed, err := backup.Prune(a.cfg.Paths.BackupDir, pruneKeep)
			if err != nil {
				return err
			}
			if removed == nil {
				removed = []backup.Entry{}
			}
			a.logger.Info("backups pruned", "removed", len(removed), "keep", pruneKeep)
			return emit(cmd.OutOrStdout(), removed, func(w io.Writer) error {
				_, err := printer.Fprintf(w, "Removed %d backup %s\n", len(removed), plural(len(removed), "directory", "directories"))
				return err
			})
		})
	},
}

var packageCmd = &cobra.Command{
	Use:   "package [version]",
	Short: "Build an update package from staged files",
	Long: `Package copies files into <update_dir>/<version>/, writes its file list and
adds the version to the manifest. Without --file the files staged in the
project's git index are used. When the version directory already exists and
no files are given, only its file list and the manifest are regenerated.

The version defaults to the current hour in the package timezone.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPackage,
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read and write persistent operator settings",
	Long: `Settings are stored in <state_dir>/settings.yaml and can be overridden by
PATCHD_* environment variables. The key mirror.<name> replaces the URL of the
named mirror.`,
}

var settingsGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print one setting, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSettings()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if len(args) == 1 {
			_, err := fmt.Fprintln(w, store.Get(args[0]))
			return err
		}

		values := make(map[string]string)
		for _, k := range store.Keys() {
			values[k] = store.Get(k)
		}
		return emit(w, values, func(w io.Writer) error {
			for _, k := range store.Keys() {
				_, _ = fmt.Fprintf(w, "%s=%s\n", k, values[k])
			}
			return nil
		})
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSettings()
		if err != nil {
			return err
		}
		if err := store.Set(args[0], args[1]); err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s=%s saved to %s\n", args[0], args[1], store.Path())
		return err
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the patch operations over HTTP",
	Long: `Serve starts a JSON API exposing status, check, install and the
step-by-step install endpoints. It uses a systemd-activated socket when one is
passed in, otherwise it listens on serve.listen_addr.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			l, activated, err := activation.Listen(a.cfg.Serve.ListenAddr)
			if err != nil {
				return err
			}
			a.logger.Info("listener ready", "addr", l.Addr().String(), "socket_activated", activated)
			return server.NewServer(a.engine, a.logger).Serve(ctx, l)
		})
	},
}

func init() {
	backupsPruneCmd.Flags().IntVar(&pruneKeep, "keep", 5, "number of newest backups to keep")
	backupsCmd.AddCommand(backupsListCmd, backupsPruneCmd)

	packageCmd.Flags().StringSliceVar(&packageFiles, "file", nil, "file to include, relative to the project root (repeatable)")
	packageCmd.Flags().BoolVar(&packageCommit, "commit", false, "commit the update directory (overrides package.commit)")
	packageCmd.Flags().BoolVar(&packagePush, "push", false, "push after committing (overrides package.push)")

	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd)

	rootCmd.AddCommand(backupsCmd, packageCmd, settingsCmd, serveCmd)
}

func runPackage(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cmd.Flags().Changed("commit") {
		cfg.Package.Commit = packageCommit
	}
	if cmd.Flags().Changed("push") {
		cfg.Package.Push = packagePush
		if packagePush {
			cfg.Package.Commit = true
		}
	}

	var v string
	if len(args) == 1 {
		v = args[0]
	}

	builder := publish.NewBuilder(cfg, git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile), logger)
	res, err := builder.Create(ctx, v, packageFiles)
	if err != nil {
		return err
	}

	return emit(cmd.OutOrStdout(), res, func(w io.Writer) error {
		action := "Created"
		if res.Regenerated {
			action = "Regenerated"
		}
		_, _ = printer.Fprintf(w, "%s package %s with %d %s in %s\n",
			action, res.Version, len(res.Files), plural(len(res.Files), "file", "files"), res.Dir)
		for _, s := range res.Skipped {
			_, _ = fmt.Fprintf(w, "Skipped missing file: %s\n", s)
		}
		if res.Committed {
			_, _ = fmt.Fprintln(w, "Committed update directory.")
		}
		return nil
	})
}

func openSettings() (*settings.Store, error) {
	cfg, err := loadConfig(setupLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return settings.Open(cfg.SettingsFile())
}
