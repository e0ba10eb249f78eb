package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"bedrock-chatbot/internal/domain"
	"bedrock-chatbot/internal/integrations/bedrock"
)

type tableEnsurer interface {
	EnsureTable(ctx context.Context) (bool, error)
	TableName() string
}

type modelLister interface {
	ListModels(ctx context.Context) ([]domain.ModelInfo, error)
}

func (c *cli) newSetupCmd() *cobra.Command {
	var skipModels bool
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the conversation table and verify Bedrock access",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			awsCfg, err := loadAWS(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			repo, err := newRepository(awsCfg, c.cfg)
			if err != nil {
				return err
			}
			var models modelLister
			if !skipModels {
				llm, err := newBedrock(awsCfg)
				if err != nil {
					return err
				}
				models = llm
			}
			return runSetup(ctx, cmd.OutOrStdout(), c.cfg.Region, c.cfg.ModelID, repo, models)
		},
	}
	cmd.Flags().BoolVar(&skipModels, "skip-models", false, "do not check access to the Bedrock model catalog")
	return cmd
}

func runSetup(ctx context.Context, out io.Writer, region, defaultModel string, table tableEnsurer, models modelLister) error {
	created, err := table.EnsureTable(ctx)
	if err != nil {
		return fmt.Errorf("ensure table %s: %w", table.TableName(), err)
	}
	if created {
		fmt.Fprintf(out, "✓ Table %q created (region %s)\n", table.TableName(), region)
	} else {
		fmt.Fprintf(out, "✓ Table %q already exists (region %s)\n", table.TableName(), region)
	}

	if models == nil {
		return nil
	}
	list, err := models.ListModels(ctx)
	switch {
	case err == nil:
		fmt.Fprintf(out, "✓ Bedrock reachable: %d text models available\n", len(list))
		for _, m := range list {
			if m.ID == defaultModel {
				fmt.Fprintf(out, "✓ Default model %s is listed\n", defaultModel)
				return nil
			}
		}
		fmt.Fprintf(out, "! Default model %s is not in the catalog; region-prefixed inference profiles are not listed there\n", defaultModel)
	case bedrock.IsAccessDenied(err):
		fmt.Fprintln(out, "! Model catalog is not accessible with these credentials; enable model access in the Bedrock console")
	default:
		return fmt.Errorf("list bedrock models: %w", err)
	}
	return nil
}
