package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ollama/finetune/config"
	"github.com/ollama/finetune/envconfig"
	"github.com/ollama/finetune/train"
)

func NewTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fine-tune low-rank adapters on a prepared dataset",
		Args:  cobra.NoArgs,
		RunE:  trainHandler,
	}

	cmd.Flags().String("data-dir", "data/alpaca", "Directory holding train.cbor and val.cbor")
	cmd.Flags().String("checkpoint-dir", "checkpoints/tiny", "Base checkpoint directory")
	cmd.Flags().String("out-dir", "out/lora/alpaca", "Directory for adapter checkpoints")
	cmd.Flags().String("precision", "", "Numeric precision (32-true, 16-true, bf16-true, 16-mixed, bf16-mixed)")
	cmd.Flags().String("quantize", "", "Quantize the frozen base weights (bnb.nf4, bnb.nf4-dq, bnb.fp4, bnb.fp4-dq, bnb.int8-training)")
	cmd.Flags().Int("devices", 0, "Number of devices (default FINETUNE_DEVICES or 1)")
	cmd.Flags().String("config", "", "YAML file of hyperparameters")
	cmd.Flags().StringArray("set", nil, "Override a hyperparameter, e.g. --set learning_rate=3e-4")
	return cmd
}

// hyperparameters resolves the defaults, the optional YAML file and the --set
// overrides, in that order.
func hyperparameters(cmd *cobra.Command) (config.Hyperparameters, error) {
	h := config.Default()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if h, err = config.Load(path); err != nil {
			return h, err
		}
	}

	sets, err := cmd.Flags().GetStringArray("set")
	if err != nil {
		return h, err
	}

	h, err = config.Override(h, sets)
	if err != nil {
		return h, err
	}

	return h, h.Validate()
}

func trainHandler(cmd *cobra.Command, args []string) error {
	h, err := hyperparameters(cmd)
	if err != nil {
		return err
	}

	devices, _ := cmd.Flags().GetInt("devices")
	if devices == 0 {
		devices = envconfig.Devices
	}

	opts := train.Options{Devices: devices, Hparams: h}
	opts.DataDir, _ = cmd.Flags().GetString("data-dir")
	opts.CheckpointDir, _ = cmd.Flags().GetString("checkpoint-dir")
	opts.OutDir, _ = cmd.Flags().GetString("out-dir")
	opts.Precision, _ = cmd.Flags().GetString("precision")
	opts.Quantize, _ = cmd.Flags().GetString("quantize")

	table := newTable(cmd, []string{"HYPERPARAMETER", "VALUE"})
	table.AppendBulk(h.Rows())
	table.Render()
	fmt.Fprintln(cmd.OutOrStdout())

	return train.Run(cmd.Context(), opts)
}
