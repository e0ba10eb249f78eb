package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"bedrock-chatbot/internal/config"
)

// cli carries state shared by every subcommand.
type cli struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "chatbot",
		Short:         "Multi-turn chat over AWS Bedrock with DynamoDB history",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
			slog.SetDefault(c.logger)
			return nil
		},
		// Lambda runs the bootstrap binary without arguments.
		RunE: func(cmd *cobra.Command, args []string) error {
			if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
				return c.runLambda(cmd.Context())
			}
			return cmd.Help()
		},
	}
	root.AddCommand(
		c.newServeCmd(),
		c.newLambdaCmd(),
		c.newSetupCmd(),
		c.newChatCmd(),
	)
	return root
}
