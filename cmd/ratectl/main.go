package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratacore/rategate/cmd/ratectl/commands"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "ratectl",
		Short: "Operations tool for the rategate rate-limiting subsystem",
		Long:  "CLI tool for validating rate policy files and inspecting live counters",
	}

	rootCmd.AddCommand(commands.NewCheckCmd())
	rootCmd.AddCommand(commands.NewCountersCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
