package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flowspec/backend/internal/logging"
	"flowspec/backend/internal/repository"
	"flowspec/backend/internal/services"
	"flowspec/backend/internal/template"
	"flowspec/backend/pkg/models"

	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Import workflow templates for a company",
	Long: `Imports the workflows of a YAML template file into the company owning
the given email domain, creating the company when needed. Workflows whose
The file is imported as a unit: when any of its workflow names already
exists for the company nothing is imported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		file, _ := cmd.Flags().GetString("file")
		domain, _ := cmd.Flags().GetString("domain")

		f, err := template.Load(file)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		pool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := repository.Migrate(ctx, pool); err != nil {
			return err
		}

		store := repository.NewPostgresStore(pool)
		engine := services.NewEngine(store, services.Options{Logger: logger})
		return seed(ctx, store, engine, f, domain, logger)
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().StringP("file", "f", "templates/field-service.yaml", "Template file to import")
	seedCmd.Flags().String("domain", "localhost", "Email domain of the company to seed")
}

func seed(ctx context.Context, repo repository.Repository, engine *services.Engine, f *template.File, domain string, logger *logging.Logger) error {
	company, err := repo.GetCompanyByDomain(ctx, domain)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Info("creating company", "domain", domain)
		now := time.Now().UTC()
		company = &models.Company{Name: domain, Domain: domain, CreatedAt: now, UpdatedAt: now}
		err = repo.CreateCompany(ctx, company)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve company %s: %w", domain, err)
	}

	existing, err := engine.Lifecycle.ListWorkflows(ctx, company.ID)
	if err != nil {
		return err
	}
	names := make(map[string]bool, len(existing))
	for _, w := range existing {
		names[w.Name] = true
	}

	// Keys only resolve within one file, so a partial import could leave
	// dangling fan-out and dependency references.
	for _, w := range f.Workflows {
		if names[w.Name] {
			logger.Info("already seeded, skipping", "company_id", company.ID, "workflow", w.Name)
			return nil
		}
	}

	created, err := engine.ImportTemplates(ctx, company.ID, "seed", f)
	if err != nil {
		return err
	}
	for _, w := range created {
		logger.Info("seeded workflow", "company_id", company.ID, "workflow_id", w.ID, "name", w.Name, "status", w.Status)
	}
	return nil
}
