package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zephyrtronium/rubycore"
	// import for side effects
	_ "github.com/zephyrtronium/rubycore/coreext"
)

var rootCmd = &cobra.Command{
	Use:           "rubycore",
	Short:         "Inspect and exercise the Ruby runtime core",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch colorMode {
		case "on":
			color.NoColor = false
		case "off":
			color.NoColor = true
		case "auto":
		default:
			return fmt.Errorf("unknown color mode %q (want auto, on, or off)", colorMode)
		}
		return nil
	},
}

var (
	configPath string
	colorMode  string
)

var errColor = color.New(color.FgRed, color.Bold)

func init() {
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(symbolsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(statsCmd)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "configuration file (.yaml, .yml, or .toml)")
	rootCmd.PersistentFlags().StringVar(&colorMode, "color", "auto", "colorize output (auto|on|off)")
}

func main() {
	rootCmd.Version = fmt.Sprintf("%s (ruby %s, %s)", rubycore.Version, rubycore.RubyVersion, rubycore.Platform())
	if err := rootCmd.Execute(); err != nil {
		errColor.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig returns the configuration named by --config, or the defaults.
func loadConfig() (rubycore.Config, error) {
	if configPath == "" {
		return rubycore.DefaultConfig(), nil
	}
	return rubycore.LoadConfig(configPath)
}

// newVM creates a VM from the configuration named by --config.
func newVM() (*rubycore.VM, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return rubycore.NewVM(cfg)
}
