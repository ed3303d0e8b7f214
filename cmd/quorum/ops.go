package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/quorum/internal/definition"
	"github.com/pitabwire/quorum/internal/observability"
	"github.com/pitabwire/quorum/migrations"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply or inspect the PostgreSQL schema migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(migrations.Up), string(migrations.Down), string(migrations.Status)},
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := migrations.Up
			if len(args) == 1 {
				dir = migrations.Direction(args[0])
			}
			return runMigrate(cmd.Context(), opts, dir)
		},
	}
}

func runMigrate(ctx context.Context, opts *rootOptions, dir migrations.Direction) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Driver != "postgres" {
		return withCode(exitUsage, fmt.Errorf("migrate requires store.driver postgres, got %q", cfg.Store.Driver))
	}

	pool, err := connectPool(ctx, cfg.Store)
	if err != nil {
		return withCode(exitDB, err)
	}
	defer pool.Close()

	if err := migrations.Run(ctx, pool, dir); err != nil {
		return withCode(exitDB, fmt.Errorf("migrate %s: %w", dir, err))
	}
	return nil
}

func newEscalateOverdueCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "escalate-overdue",
		Short: "Escalate pending steps whose timeout has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEscalateOverdue(cmd.Context(), opts, limit, cmd)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum steps to escalate (default workflow.overdue_batch_size)")
	return cmd
}

func runEscalateOverdue(ctx context.Context, opts *rootOptions, limit int, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return withCode(exitConfig, fmt.Errorf("logger error: %w", err))
	}
	defer logger.Sync()

	a, err := buildApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if limit <= 0 {
		limit = cfg.Workflow.OverdueBatchSize
	}
	n, err := a.engine.EscalateOverdue(ctx, limit)
	if err != nil {
		return err
	}
	logger.Info("overdue steps escalated", zap.Int("count", n), zap.Int("limit", limit))
	fmt.Fprintf(cmd.OutOrStdout(), "escalated %d step(s)\n", n)
	return nil
}

func newImportCatalogCmd(opts *rootOptions) *cobra.Command {
	var (
		dirs   []string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "import-catalog",
		Short: "Validate YAML catalog directories and load them into PostgreSQL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runImportCatalog(cmd.Context(), opts, dirs, dryRun, cmd)
		},
	}
	cmd.Flags().StringSliceVar(&dirs, "dir", nil, "catalog directory (repeatable; default catalog.directories)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate only, do not write")
	return cmd
}

func runImportCatalog(ctx context.Context, opts *rootOptions, dirs []string, dryRun bool, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if len(dirs) == 0 {
		dirs = cfg.Catalog.Directories
	}

	// Step 1: Load and validate. Nothing is written when validation fails.
	docs, err := loadCatalog(dirs)
	if err != nil {
		return withCode(exitConfig, err)
	}
	out := cmd.OutOrStdout()
	if dryRun {
		fmt.Fprintf(out, "catalog valid: %d document(s)\n", len(docs))
		return nil
	}

	if cfg.Store.Driver != "postgres" {
		return withCode(exitUsage, fmt.Errorf("import-catalog requires store.driver postgres, got %q", cfg.Store.Driver))
	}
	pool, err := connectPool(ctx, cfg.Store)
	if err != nil {
		return withCode(exitDB, err)
	}
	defer pool.Close()

	// Step 2: Replace each tenant's rows.
	pg := definition.NewPgCatalog(pool)
	for _, doc := range docs {
		if err := pg.Import(ctx, doc); err != nil {
			return withCode(exitDB, fmt.Errorf("import tenant %s: %w", doc.TenantID, err))
		}
		fmt.Fprintf(out, "imported tenant %s: %d object type(s), %d polic(ies), %d org node(s), %d approver(s)\n",
			doc.TenantID, len(doc.ObjectTypes), len(doc.Policies), len(doc.OrgNodes), len(doc.Approvers))
	}
	return nil
}
