package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/hitl/pkg/config"
)

// modelLister is the slice of the Bedrock control-plane client `models` uses.
type modelLister interface {
	ListFoundationModels(ctx context.Context, params *bedrock.ListFoundationModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error)
}

func newModelsCmd(a *app) *cobra.Command {
	var (
		region   string
		provider string
	)
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List Bedrock foundation models with text output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if region == "" {
				region = cfg.Model.Region
			}

			var opts []func(*awsconfig.LoadOptions) error
			if region != "" {
				opts = append(opts, awsconfig.WithRegion(region))
			}
			if cfg.Model.Profile != "" {
				opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Model.Profile))
			}
			awsCfg, err := awsconfig.LoadDefaultConfig(cmd.Context(), opts...)
			if err != nil {
				return fmt.Errorf("load aws config: %w", err)
			}
			return listModels(cmd.Context(), bedrock.NewFromConfig(awsCfg), provider, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "AWS region (default from config or AWS_REGION)")
	cmd.Flags().StringVar(&provider, "by-provider", "", "Only models of this provider (e.g. anthropic)")
	return cmd
}

func listModels(ctx context.Context, client modelLister, byProvider string, w io.Writer) error {
	input := &bedrock.ListFoundationModelsInput{
		ByOutputModality: types.ModelModalityText,
	}
	if byProvider != "" {
		input.ByProvider = aws.String(byProvider)
	}
	out, err := client.ListFoundationModels(ctx, input)
	if err != nil {
		return fmt.Errorf("list foundation models: %w", err)
	}

	models := out.ModelSummaries
	sort.Slice(models, func(i, j int) bool {
		return aws.ToString(models[i].ModelId) < aws.ToString(models[j].ModelId)
	})

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL ID\tPROVIDER\tNAME")
	for _, m := range models {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", aws.ToString(m.ModelId), aws.ToString(m.ProviderName), aws.ToString(m.ModelName))
	}
	return tw.Flush()
}
