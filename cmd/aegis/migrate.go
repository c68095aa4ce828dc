package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sablecore/aegis/internal/config"
	"github.com/sablecore/aegis/internal/sessions"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the session store's database schema",
	}
	cmd.AddCommand(buildMigrateUpCmd(), buildMigrateDownCmd(), buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var configPath string
	var steps int

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(resolveConfigPath(configPath), func(ctx context.Context, m *sessions.Migrator) error {
				applied, err := m.Up(ctx, steps)
				if err != nil {
					return err
				}
				for _, id := range applied {
					fmt.Printf("applied %s\n", id)
				}
				if len(applied) == 0 {
					fmt.Println("already up to date")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to apply, 0 for all pending")
	return cmd
}

func buildMigrateDownCmd() *cobra.Command {
	var configPath string
	var steps int

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(resolveConfigPath(configPath), func(ctx context.Context, m *sessions.Migrator) error {
				reverted, err := m.Down(ctx, steps)
				if err != nil {
					return err
				}
				for _, id := range reverted {
					fmt.Printf("reverted %s\n", id)
				}
				if len(reverted) == 0 {
					fmt.Println("nothing to revert")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(resolveConfigPath(configPath), func(ctx context.Context, m *sessions.Migrator) error {
				applied, pending, err := m.Status(ctx)
				if err != nil {
					return err
				}
				for _, a := range applied {
					fmt.Printf("applied  %s (%s)\n", a.ID, a.AppliedAt)
				}
				for _, p := range pending {
					fmt.Printf("pending  %s\n", p.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func withMigrator(configPath string, fn func(ctx context.Context, m *sessions.Migrator) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required to run migrations")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	migrator, err := sessions.NewMigrator(db)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	return fn(context.Background(), migrator)
}
