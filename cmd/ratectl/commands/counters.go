package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratacore/rategate/internal/config"
	"github.com/stratacore/rategate/internal/limiter"
	"github.com/stratacore/rategate/internal/store"
)

// NewCountersCmd creates the counters command, which reads the live counter
// for an identifier's current window from the distributed store.
func NewCountersCmd() *cobra.Command {
	var (
		file       string
		policyName string
		identifier string
	)
	cmd := &cobra.Command{
		Use:   "counters",
		Short: "Inspect the live counter for an identifier",
		Long:  "Read the current-window request count for an identifier under a named policy from the configured Redis backend.",
		RunE: func(cmd *cobra.Command, args []string) error {
			identifier = strings.TrimSpace(identifier)
			if identifier == "" {
				return fmt.Errorf("--identifier is required")
			}
			if strings.TrimSpace(policyName) == "" {
				return fmt.Errorf("--policy is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.DistributedStoreEnabled() {
				return fmt.Errorf("no distributed store configured (set RATEGATE_REDIS_URL); local counters are process-private")
			}

			if file == "" {
				file = cfg.PolicyFile
			}
			policies, err := config.LoadPolicies(file)
			if err != nil {
				return err
			}
			ep, err := config.FindPolicy(policies, policyName)
			if err != nil {
				return err
			}

			redisStore, err := store.NewRedis(cfg.RedisURL, cfg.RedisToken, store.WithTimeout(cfg.StoreTimeout))
			if err != nil {
				return fmt.Errorf("connect to redis: %w", err)
			}
			defer func() { _ = redisStore.Close() }()

			now := time.Now()
			bucket := limiter.Bucket(now, ep.Policy.Window)
			key := limiter.BucketKey(identifier, bucket)
			count, err := redisStore.Get(context.Background(), key)
			if err != nil {
				return fmt.Errorf("read counter: %w", err)
			}

			reset := time.UnixMilli((bucket + 1) * ep.Policy.Window.Milliseconds())
			fmt.Printf("policy=%s identifier=%s\n", ep.Policy.Name, identifier)
			fmt.Printf("  count=%d limit=%d window=%s\n", count, ep.Policy.MaxRequests, ep.Policy.Window)
			fmt.Printf("  window resets at %s (in %s)\n", reset.Format(time.RFC3339), time.Until(reset).Round(time.Second))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Policy file (defaults to RATEGATE_POLICY_FILE)")
	cmd.Flags().StringVarP(&policyName, "policy", "p", "", "Policy name")
	cmd.Flags().StringVarP(&identifier, "identifier", "i", "", "Client identifier as derived by the policy's strategy")
	return cmd
}
