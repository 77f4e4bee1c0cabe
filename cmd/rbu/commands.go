package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rowjay/registry-backup/internal/app"
	"github.com/rowjay/registry-backup/internal/config"
	"github.com/rowjay/registry-backup/internal/operation"
	"github.com/rowjay/registry-backup/internal/server"
	"github.com/rowjay/registry-backup/internal/version"
)

func newServeCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the backup API",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(root, overrides)
			if err != nil {
				return err
			}
			defer rt.close()
			if listen != "" {
				rt.cfg.Server.Listen = listen
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(rt.commands(), rt.cfg.Server, rt.registry, rt.log)
			serveErr := srv.ListenAndServe(ctx)

			rt.log.Info().Msg("waiting for running operations")
			_ = rt.app.Wait()
			return serveErr
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (host:port)")
	return cmd
}

func newBackupCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup",
	}
	add := func(use, short string, trigger func(app.Commands, context.Context) app.Result) {
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runOperation(root, overrides, func(c app.Commands) app.Result {
					return trigger(c, cmd.Context())
				})
			},
		})
	}
	add("database", "Dump the metadata database", app.Commands.CreateDatabaseBackup)
	add("files", "Archive the document storage", app.Commands.CreateFilesBackup)
	add("complete", "Dump the database and archive the storage with one timestamp", app.Commands.CreateCompleteBackup)
	return cmd
}

func newRestoreCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var yes bool
	var order string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore from a backup (overwrites live data)",
	}
	cmd.PersistentFlags().BoolVar(&yes, "yes", false, "Confirm the destructive restore")

	cmd.AddCommand(&cobra.Command{
		Use:   "database <file>",
		Short: "Restore the database from a dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireYes(yes); err != nil {
				return err
			}
			return runOperation(root, overrides, func(c app.Commands) app.Result {
				return c.RestoreDatabase(cmd.Context(), args[0])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "files <file>",
		Short: "Extract a files backup over the storage root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireYes(yes); err != nil {
				return err
			}
			return runOperation(root, overrides, func(c app.Commands) app.Result {
				return c.RestoreFiles(cmd.Context(), args[0])
			})
		},
	})
	guided := &cobra.Command{
		Use:   "guided <database-file> <files-file>",
		Short: "Restore a database and files backup in sequence",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireYes(yes); err != nil {
				return err
			}
			return runOperation(root, overrides, func(c app.Commands) app.Result {
				return c.GuidedRestore(cmd.Context(), args[0], args[1], app.Order(order))
			})
		},
	}
	guided.Flags().StringVar(&order, "order", string(app.OrderDatabaseFirst), "Restore order (database_first, files_first)")
	cmd.AddCommand(guided)
	return cmd
}

func newListCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var pairs bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(root, overrides)
			if err != nil {
				return err
			}
			defer rt.close()
			ctx := cmd.Context()

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer tw.Flush()
			if pairs {
				items, err := rt.commands().CompatibleBackupPairs(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "CREATED\tDATABASE\tFILES\tSKEW")
				for _, p := range items {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.CreatedAt().Format(time.RFC3339), p.Database.Filename, p.Files.Filename, p.Skew())
				}
				return nil
			}
			items, err := rt.commands().AvailableBackups(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "FILENAME\tKIND\tSIZE\tCREATED")
			for _, r := range items {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.Filename, r.Kind, r.SizeBytes, r.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&pairs, "pairs", false, "Show database and files backups taken together")
	return cmd
}

func newDeleteCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <file>",
		Short: "Delete a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireYes(yes); err != nil {
				return err
			}
			rt, err := setup(root, overrides)
			if err != nil {
				return err
			}
			defer rt.close()
			res := rt.commands().DeleteBackup(cmd.Context(), args[0])
			if !res.Success {
				return errors.New(res.Message)
			}
			fmt.Println(res.Message)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the deletion")
	return cmd
}

func newConfigCmd() *cobra.Command {
	var input string
	var output string
	var key string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config utilities",
	}

	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" || output == "" || key == "" {
				return fmt.Errorf("--input, --output, and --key are required")
			}
			return config.EncryptConfigFile(input, output, key)
		},
	}
	encrypt.Flags().StringVar(&input, "input", "", "Input config file")
	encrypt.Flags().StringVar(&output, "output", "", "Output encrypted config file")
	encrypt.Flags().StringVar(&key, "key", "", "Encryption key (base64 or hex)")

	cmd.AddCommand(encrypt)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rbu %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

func requireYes(yes bool) error {
	if !yes {
		return errors.New("this overwrites live data; pass --yes to confirm")
	}
	return nil
}

// runOperation starts an operation, waits for it and prints its final state.
func runOperation(root *rootFlags, overrides *overrideFlags, trigger func(app.Commands) app.Result) error {
	rt, err := setup(root, overrides)
	if err != nil {
		return err
	}
	defer rt.close()

	res := trigger(rt.commands())
	if !res.Success {
		return fmt.Errorf("%s: %s", res.ErrorKind, res.Message)
	}
	rt.log.Info().Str("operation_id", res.OperationID).Msg(res.Message)
	_ = rt.app.Wait()

	op, err := rt.commands().OperationStatus(context.Background(), res.OperationID)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\t%s\n", op.ID, op.Status, op.Duration(time.Now()).Round(time.Millisecond), op.Message)
	for _, name := range op.Artifacts {
		fmt.Printf("\t%s\n", name)
	}
	if op.Status != operation.StatusSucceeded {
		return errors.New(op.Message)
	}
	return nil
}
