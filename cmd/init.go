package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ollama/finetune/checkpoint"
	"github.com/ollama/finetune/envconfig"
	"github.com/ollama/finetune/format"
	"github.com/ollama/finetune/model"
	"github.com/ollama/finetune/progress"
	"github.com/ollama/finetune/tokenizer"
)

func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a randomly initialized base checkpoint",
		Args:  cobra.NoArgs,
		RunE:  initHandler,
	}

	cmd.Flags().String("checkpoint-dir", "checkpoints/tiny", "Directory to write the checkpoint to")
	cmd.Flags().String("model", "tiny", fmt.Sprintf("Model configuration %v", model.ConfigNames()))
	cmd.Flags().Bool("force", false, "Overwrite an existing checkpoint")
	return cmd
}

func initHandler(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("checkpoint-dir")
	name, _ := cmd.Flags().GetString("model")
	force, _ := cmd.Flags().GetBool("force")

	if _, err := os.Stat(filepath.Join(dir, checkpoint.BaseFile)); err == nil && !force {
		return fmt.Errorf("%s already holds a checkpoint, use --force to overwrite it", dir)
	}

	c, err := model.ConfigFromName(name)
	if err != nil {
		return err
	}

	p := progress.NewProgress(cmd.ErrOrStderr())
	defer p.StopAndClear()

	spinner := progress.NewSpinner(fmt.Sprintf("initializing %s", c.Name))
	p.Add(c.Name, spinner)

	m, err := model.New(c, model.Options{Seed: uint64(envconfig.Seed)})
	if err != nil {
		return err
	}

	spinner.SetMessage(fmt.Sprintf("writing %s", dir))
	if err := checkpoint.SaveBase(dir, c, m.Parameters()); err != nil {
		return err
	}

	if err := tokenizer.New().Save(dir); err != nil {
		return err
	}
	spinner.Stop()

	p.StopAndClear()
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s with %s parameters\n", dir, format.HumanNumber(uint64(model.NumParameters(m.Parameters(), true))))
	return nil
}
