package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ineyio/creditsync"
)

var (
	deductAmount   int64
	deductKey      string
	pruneOlderThan time.Duration
)

func init() {
	rootCmd.AddCommand(syncCmd, accountCmd, deductCmd, migrateCmd, pruneCmd)
	deductCmd.Flags().Int64Var(&deductAmount, "amount", 1, "Credits to deduct")
	deductCmd.Flags().StringVar(&deductKey, "idempotency-key", "", "Key that makes retries of this deduction no-ops")
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Remove debit keys older than this")
}

// ─── sync ─────────────────────────────────────────────────────────────────

var syncCmd = &cobra.Command{
	Use:   "sync <session-key> <user-id>",
	Short: "Meter one session and charge the unpaid remainder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) (any, error) {
			return a.syncer.Sync(cmd.Context(), creditsync.SyncRequest{SessionKey: args[0], UserID: args[1]})
		})
	},
}

// ─── account ──────────────────────────────────────────────────────────────

var accountCmd = &cobra.Command{
	Use:   "account <user-id>",
	Short: "Show a user's balance and status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) (any, error) {
			return a.syncer.Account(cmd.Context(), args[0])
		})
	},
}

// ─── deduct ───────────────────────────────────────────────────────────────

var deductCmd = &cobra.Command{
	Use:   "deduct <user-id>",
	Short: "Deduct credits outside of session metering",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) (any, error) {
			return a.syncer.Deduct(cmd.Context(), creditsync.DeductRequest{
				UserID:         args[0],
				Amount:         deductAmount,
				IdempotencyKey: deductKey,
			})
		})
	},
}

// ─── migrate ──────────────────────────────────────────────────────────────

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the store's tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app) (any, error) {
			if a.stores.migrate == nil {
				return map[string]string{"driver": a.cfg.Store.Driver, "status": "nothing to migrate"}, nil
			}
			if err := a.stores.migrate(cmd.Context()); err != nil {
				return nil, err
			}
			return map[string]string{"driver": a.cfg.Store.Driver, "status": "migrated"}, nil
		})
	},
}

// ─── prune ────────────────────────────────────────────────────────────────

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old debit idempotency keys",
	Long: `Remove debit idempotency keys older than --older-than.

A pruned key can no longer recover a charge whose advance was lost, so keep
the window well beyond the longest session. The redis driver expires keys
on its own and the memory driver keeps nothing across restarts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app) (any, error) {
			if a.stores.prune == nil {
				return map[string]string{"driver": a.cfg.Store.Driver, "status": "nothing to prune"}, nil
			}
			if pruneOlderThan < time.Hour {
				return nil, fmt.Errorf("--older-than must be at least 1h, got %s", pruneOlderThan)
			}
			n, err := a.stores.prune(cmd.Context(), pruneOlderThan)
			if err != nil {
				return nil, err
			}
			return map[string]any{"driver": a.cfg.Store.Driver, "pruned": n}, nil
		})
	},
}

// withApp loads the config, wires the app, runs fn and prints its result
// as JSON on stdout.
func withApp(cmd *cobra.Command, fn func(*app) (any, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := fn(a)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
