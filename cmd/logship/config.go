package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		fmt.Print(string(data))

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration is not usable: %w", err)
		}
		return nil
	},
}
