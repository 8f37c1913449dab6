package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ksana-llm/ksana-llm-go/internal/config"
)

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Load and print the parsed configuration, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		fmt.Println(cfg.String())
		return nil
	},
}
