// Command kstackd is a demonstration host harness around the netstack
// library: it injects interface/route configuration from flags or a YAML
// file (spec.md 6: "configuration... is injected at init by the host")
// and runs the tick loop. It is not part of the core's public API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "kstackd",
	Short: "Run a kstack network stack instance",
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "kstackd: reading config: %v\n", err)
			os.Exit(1)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
