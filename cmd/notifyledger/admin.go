package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"notifyledger/internal/engine"
	"notifyledger/internal/model"
	"notifyledger/internal/storage"
)

type storeFunc func(cmd *cobra.Command, store *storage.Store, args []string) error

// withStore opens the configured store for one command invocation.
func withStore(configPath *string, fn storeFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore(cmd.Context(), *configPath)
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(cmd, store, args)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func policyCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and change per-application capture policies",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured policies",
		Args:  cobra.NoArgs,
		RunE: withStore(configPath, func(cmd *cobra.Command, store *storage.Store, _ []string) error {
			list, err := store.Policies.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "APP\tMODE\tTHRESHOLD\tWINDOW\tBLACKLIST\tWHITELIST")
			for _, p := range list {
				fmt.Fprintf(tw, "%s\t%s\t%.2f\t%ds\t%s\t%s\n", p.AppID, p.Mode, p.ConfidenceThreshold,
					p.AmountWindowSeconds, strings.Join(p.Blacklist, ","), strings.Join(p.Whitelist, ","))
			}
			return tw.Flush()
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <app>",
		Short: "Show the effective policy for an application",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(configPath, func(cmd *cobra.Command, store *storage.Store, args []string) error {
			rec, err := store.Policies.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-mode <app> <disabled|suggest|automatic>",
		Short: "Set the capture mode",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(configPath, func(cmd *cobra.Command, store *storage.Store, args []string) error {
			mode, ok := model.ParseMode(args[1])
			if !ok {
				return fmt.Errorf("unknown mode %q", args[1])
			}
			return store.Policies.SetMode(cmd.Context(), args[0], mode, time.Now())
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-threshold <app> <0..1>",
		Short: "Set the confidence threshold",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(configPath, func(cmd *cobra.Command, store *storage.Store, args []string) error {
			v, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("threshold: %w", err)
			}
			return store.Policies.SetThreshold(cmd.Context(), args[0], v, time.Now())
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-window <app> <duration>",
		Short: "Set the duplicate amount window, e.g. 5m or 300",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(configPath, func(cmd *cobra.Command, store *storage.Store, args []string) error {
			seconds, err := parseSeconds(args[1])
			if err != nil {
				return err
			}
			return store.Policies.SetAmountWindow(cmd.Context(), args[0], seconds, time.Now())
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "block <app> [pattern...]",
		Short: "Replace the blacklist; no patterns clears it",
		Args:  cobra.MinimumNArgs(1),
		RunE: withStore(configPath, func(cmd *cobra.Command, store *storage.Store, args []string) error {
			return store.Policies.SetBlacklist(cmd.Context(), args[0], args[1:], time.Now())
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "allow <app> [pattern...]",
		Short: "Replace the whitelist; no patterns clears it",
		Args:  cobra.MinimumNArgs(1),
		RunE: withStore(configPath, func(cmd *cobra.Command, store *storage.Store, args []string) error {
			return store.Policies.SetWhitelist(cmd.Context(), args[0], args[1:], time.Now())
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <app>",
		Short: "Remove a stored policy so the default applies",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(configPath, func(cmd *cobra.Command, store *storage.Store, args []string) error {
			deleted, err := store.Policies.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("no stored policy for %s", args[0])
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Reset every stored policy to the defaults",
		Args:  cobra.NoArgs,
		RunE: withStore(configPath, func(cmd *cobra.Command, store *storage.Store, _ []string) error {
			n, err := store.Policies.ResetAllToDefaults(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d policies\n", n)
			return nil
		}),
	})
	return cmd
}

func parseSeconds(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("window: %w", err)
	}
	return int(d / time.Second), nil
}

func ledgerCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and prune processed-event records",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show record counts per package",
		Args:  cobra.NoArgs,
		RunE: withStore(configPath, func(cmd *cobra.Command, store *storage.Store, _ []string) error {
			total, err := store.Ledger.Count(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := store.Ledger.StatsByPackage(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PACKAGE\tCOUNT\tFIRST\tLAST")
			for _, s := range stats {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.PackageName, s.Count,
					s.FirstSeen.Format(time.RFC3339), s.LastSeen.Format(time.RFC3339))
			}
			fmt.Fprintf(tw, "total\t%d\t\t\n", total)
			return tw.Flush()
		}),
	})

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete records older than --older-than",
		Args:  cobra.NoArgs,
	}
	olderThan := cleanup.Flags().Duration("older-than", 30*24*time.Hour, "minimum record age")
	cleanup.RunE = withStore(configPath, func(cmd *cobra.Command, store *storage.Store, _ []string) error {
		n, err := store.Ledger.Cleanup(cmd.Context(), time.Now().Add(-*olderThan))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records\n", n)
		return nil
	})
	cmd.AddCommand(cleanup)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete-package <package>",
		Short: "Delete every record of one package",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(configPath, func(cmd *cobra.Command, store *storage.Store, args []string) error {
			n, err := store.Ledger.DeleteByPackage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records\n", n)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every record",
		Args:  cobra.NoArgs,
		RunE: withStore(configPath, func(cmd *cobra.Command, store *storage.Store, _ []string) error {
			n, err := store.Ledger.ClearAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records\n", n)
			return nil
		}),
	})
	return cmd
}

func queueCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and cancel confirmation prompts",
	}

	recent := &cobra.Command{
		Use:   "recent",
		Short: "List the newest queue entries",
		Args:  cobra.NoArgs,
	}
	limit := recent.Flags().IntP("limit", "n", 20, "maximum entries")
	status := recent.Flags().String("status", "", "only entries with this status")
	recent.RunE = withStore(configPath, func(cmd *cobra.Command, store *storage.Store, _ []string) error {
		var (
			list []model.QueueEntry
			err  error
		)
		if *status != "" {
			list, err = store.Queue.ListByStatus(cmd.Context(), model.QueueStatus(strings.ToUpper(*status)), *limit)
		} else {
			list, err = store.Queue.ListRecent(cmd.Context(), *limit)
		}
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tPACKAGE\tSOURCE\tSCHEDULED\tMESSAGE")
		for _, e := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.Status, e.SourceModule, e.SourceID,
				e.ScheduledAt.Format(time.RFC3339), e.Message)
		}
		return tw.Flush()
	})
	cmd.AddCommand(recent)

	cancel := &cobra.Command{
		Use:   "cancel <entry-id> | cancel --app <app> --candidate <id>",
		Short: "Cancel an undelivered prompt",
		Args:  cobra.MaximumNArgs(1),
	}
	app := cancel.Flags().String("app", "", "source application of the candidate")
	candidate := cancel.Flags().String("candidate", "", "candidate id")
	cancel.RunE = withStore(configPath, func(cmd *cobra.Command, store *storage.Store, args []string) error {
		if len(args) == 1 {
			ok, err := store.Queue.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("entry %s is not pending or processing", args[0])
			}
			return nil
		}
		if *app == "" || *candidate == "" {
			return fmt.Errorf("pass an entry id or both --app and --candidate")
		}
		n, err := store.Queue.CancelBySource(cmd.Context(), engine.ConfirmType, *app, *candidate)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d entries\n", n)
		return nil
	})
	cmd.AddCommand(cancel)
	return cmd
}
