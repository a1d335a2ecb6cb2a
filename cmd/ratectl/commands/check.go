package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stratacore/rategate/internal/config"
	"github.com/stratacore/rategate/internal/limiter"
)

// NewCheckCmd creates the check command, which validates a policy file the
// same way the server does at startup.
func NewCheckCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a rate policy file",
		Long:  "Parse, validate, and compile every policy in the file. Exits non-zero on the first invalid policy.",
		RunE: func(cmd *cobra.Command, args []string) error {
			file = strings.TrimSpace(file)
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			policies, err := config.LoadPolicies(file)
			if err != nil {
				return err
			}
			for _, ep := range policies {
				if _, err := limiter.Compile(ep.Policy); err != nil {
					return err
				}
			}
			fmt.Printf("%s: %d policies OK\n", file, len(policies))
			for _, ep := range policies {
				fmt.Printf("  %-20s route=%s limit=%d window=%s strategy=%s whitelist=%d audit=%v headers=%v\n",
					ep.Policy.Name, ep.Route, ep.Policy.MaxRequests, ep.Policy.Window,
					ep.Policy.Strategy, len(ep.Policy.Whitelist), ep.Policy.EnableAuditLog, ep.Policy.IncludeHeaders)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "policies.yaml", "Policy file to validate")
	return cmd
}
