// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/dcerpc"
	"firestige.xyz/dissect/internal/log"
	"firestige.xyz/dissect/internal/plugin"

	// Built-in interface and security provider plugins.
	_ "firestige.xyz/dissect/plugins"
)

var (
	// Global flags
	configFile string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dissect",
	Short: "Dissect - DCE/RPC protocol analyzer for packet captures",
	Long: `Dissect decodes DCE/RPC traffic from pcap and pcapng captures.

It reassembles TCP streams and IPv4 fragments, tracks TCP sequence state,
frames connection-oriented and connectionless DCE/RPC PDUs, and decodes
NDR stubs of the registered interfaces with NTLMSSP, Kerberos and SPNEGO
authentication.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override log level (debug/info/warn/error)")

	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(interfacesCmd)
	rootCmd.AddCommand(validateCmd)
}

// loadConfig reads the config file named by --config and applies the
// command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.ValidateAndApplyDefaults(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// setup initializes logging and installs every plugin into a new registry.
func setup(cfg *config.Config) (*dcerpc.Registry, *plugin.Manager, error) {
	if err := log.Init(cfg.Log); err != nil {
		return nil, nil, fmt.Errorf("failed to init logger: %w", err)
	}
	reg := dcerpc.NewRegistry()
	mgr, err := plugin.Setup(plugin.LoaderConfig{
		Mode: plugin.LoadMode(cfg.Plugin.Mode),
		Path: cfg.Plugin.Path,
	}, cfg.Plugins, reg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up plugins: %w", err)
	}
	return reg, mgr, nil
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
