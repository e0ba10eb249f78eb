package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"
)

func (c *cli) newLambdaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Serve API Gateway proxy events as an AWS Lambda function",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runLambda(cmd.Context())
		},
	}
}

func (c *cli) runLambda(ctx context.Context) error {
	a, err := newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	h, err := a.handler()
	if err != nil {
		return err
	}
	lambda.Start(h.Handle)
	return nil
}
