package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medchain/medchain/internal/config"
	"github.com/medchain/medchain/internal/domain/consent"
	"github.com/medchain/medchain/internal/platform/auth"
	"github.com/medchain/medchain/internal/platform/db"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the configured store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			switch cfg.StoreDriver {
			case config.DriverPostgres:
				pool, err := openPool(ctx, cfg)
				if err != nil {
					return err
				}
				defer pool.Close()

				count, err := db.NewMigrator(pool, db.PostgresMigrations()).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
			case config.DriverSQLite:
				// Opening the database applies its migrations.
				conn, err := db.OpenSQLite(ctx, db.SQLiteConfig{Path: cfg.SQLitePath})
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				defer conn.Close()
				fmt.Fprintf(out, "SQLite schema at %s is up to date.\n", cfg.SQLitePath)
			default:
				fmt.Fprintf(out, "Store driver %q has no schema.\n", cfg.StoreDriver)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var statuses []db.MigrationStatus
			switch cfg.StoreDriver {
			case config.DriverPostgres:
				pool, err := openPool(ctx, cfg)
				if err != nil {
					return err
				}
				defer pool.Close()
				statuses, err = db.NewMigrator(pool, db.PostgresMigrations()).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
			case config.DriverSQLite:
				conn, err := db.OpenSQLite(ctx, db.SQLiteConfig{Path: cfg.SQLitePath})
				if err != nil {
					return err
				}
				defer conn.Close()
				statuses, err = db.SQLiteStatus(ctx, conn)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "Store driver %q has no schema.\n", cfg.StoreDriver)
				return nil
			}

			printMigrationStatus(cmd.OutOrStdout(), cfg.StoreDriver, statuses)
			return nil
		},
	})

	return cmd
}

func printMigrationStatus(w io.Writer, driver string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for %s\n", driver)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.Modified {
				status = "modified"
			}
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the audit ledger",
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Recompute a patient's hash chain and report the first broken event",
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, _ := cmd.Flags().GetString("patient")
			if patientID == "" {
				return fmt.Errorf("--patient is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, _, err := openStore(cmd.Context(), cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := verifyLedger(cmd.Context(), store, patientID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(st); err != nil {
				return err
			}
			if !st.Valid {
				return fmt.Errorf("audit chain for %s is broken at seq %d", patientID, st.BrokenAt)
			}
			return nil
		},
	}
	verify.Flags().String("patient", "", "Patient id whose chain to verify")
	cmd.AddCommand(verify)
	return cmd
}

func verifyLedger(ctx context.Context, store *consent.Store, patientID string) (*consent.ChainStatus, error) {
	return consent.NewLedger(store.Ledger).Verify(ctx, patientID)
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 token for a user id and role",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			roleFlag, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			role, err := auth.ParseRole(roleFlag)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return fmt.Errorf("AUTH_SIGNING_KEY is required to mint tokens")
			}

			tok, err := auth.MintToken(auth.JWTConfig{
				Issuer:     cfg.AuthIssuer,
				Audience:   cfg.AuthAudience,
				SigningKey: []byte(cfg.AuthSigningKey),
			}, userID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("user", "", "User id (token subject)")
	cmd.Flags().String("role", "", "Role: doctor, patient, lab or admin")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
