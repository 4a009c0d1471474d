package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/dissect/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without reading any capture.

Examples:
  dissect validate -c dissect.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		if configFile == "" {
			exitWithError("--config is required", nil)
		}
		if err := runValidate(configFile, cmd.OutOrStdout()); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

func runValidate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "VALID: output=%s tcp.mode=%s two_pass=%t, %d co port(s), %d cl port(s), %d plugin setting(s)\n",
		cfg.Engine.Output,
		cfg.TCP.Mode,
		cfg.Engine.TwoPass,
		len(cfg.DCERPC.COPorts),
		len(cfg.DCERPC.CLPorts),
		len(cfg.Plugins),
	)
	return nil
}
