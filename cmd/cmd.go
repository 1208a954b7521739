package cmd

import (
	"log/slog"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/finetune/envconfig"
	"github.com/ollama/finetune/logutil"
	"github.com/ollama/finetune/version"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "finetune",
		Short: "Low-rank adapter fine-tuning",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Version: version.Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), logutil.Level(envconfig.Debug)))
		},
	}

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewTrainCmd(),
		NewPrepareCmd(),
		NewInitCmd(),
		NewEnvCmd(),
	)

	return rootCmd
}

func newTable(cmd *cobra.Command, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	return table
}

func NewEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List environment configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vars := envconfig.AsMap()
			values := envconfig.Values()

			var data [][]string
			for _, name := range envconfig.Names() {
				data = append(data, []string{name, values[name], vars[name].Description})
			}

			table := newTable(cmd, []string{"NAME", "VALUE", "DESCRIPTION"})
			table.AppendBulk(data)
			table.Render()
			return nil
		},
	}
}
