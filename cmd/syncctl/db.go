package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/db"
)

// =====================================================
// db
// =====================================================

func newDBCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect and roll back the queue database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "migrations",
		Short: "List applied schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(opts, cmd)
			return withMigrator(cmd.Context(), opts, func(m *db.Migrator) error {
				applied, err := m.GetAppliedMigrations(cmd.Context())
				if err != nil {
					return err
				}
				if out.JSON() {
					return out.WriteJSON(map[string]interface{}{"items": applied, "total": len(applied)})
				}
				rows := make([][]string, 0, len(applied))
				for _, mig := range applied {
					rows = append(rows, []string{
						fmt.Sprint(mig.Version), mig.Description, mig.AppliedAt.Format(time.RFC3339),
					})
				}
				return out.WriteTable([]string{"VERSION", "DESCRIPTION", "APPLIED"}, rows)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rollback",
		Short: "Roll back the most recent schema migration",
		Long: `Roll back the most recent schema migration.

Rolling back drops the tables that migration created, together with any queued
mutations or pending conflicts stored in them. The next session that opens the
database migrates it forward again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(opts, cmd)
			return withMigrator(cmd.Context(), opts, func(m *db.Migrator) error {
				from, err := m.CurrentVersion(cmd.Context())
				if err != nil {
					return err
				}
				if err := m.Down(cmd.Context()); err != nil {
					return err
				}
				to, err := m.CurrentVersion(cmd.Context())
				if err != nil {
					return err
				}
				if out.JSON() {
					return out.WriteJSON(map[string]interface{}{"from": from, "to": to})
				}
				return out.Printf("Rolled back schema from version %d to %d\n", from, to)
			})
		},
	})

	return cmd
}

// withMigrator opens the configured queue database without migrating it.
func withMigrator(ctx context.Context, opts *RootOptions, fn func(*db.Migrator) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	d, err := db.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer d.Close()

	m := db.NewMigrator(d.DB, db.Migrations())
	if err := m.Initialize(ctx); err != nil {
		return err
	}
	return fn(m)
}
