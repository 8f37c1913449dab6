// Package cmd implements the CLI surface: --config_file, --host, --port,
// and the serve/validate-config subcommands, built on a cobra.Command tree
// with package-level flag variables and an Execute() entry point called
// from main.go.
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	host       string
	port       int
)

const defaultConfigFile = "examples/ksana_llm.yaml"

var rootCmd = &cobra.Command{
	Use:   "ksana-llm-go",
	Short: "Paged-KV-cache inference serving runtime",
}

// Execute runs the CLI root command; exit code is non-zero on configuration
// or initialization failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config_file", defaultConfigFile, "path to the runtime YAML configuration")
	rootCmd.PersistentFlags().StringVar(&host, "host", "0.0.0.0", "HTTP bind host")
	rootCmd.PersistentFlags().IntVar(&port, "port", 8080, "HTTP bind port")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateConfigCmd)
}
