// Package main provides the entry point for the appointment monitor.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/slotwatch/internal/api"
	"github.com/jmylchreest/slotwatch/internal/auth"
	"github.com/jmylchreest/slotwatch/internal/config"
	"github.com/jmylchreest/slotwatch/internal/version"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags runFlags

	root := &cobra.Command{
		Use:           "slotwatch",
		Short:         "Watch a consular booking portal for open appointment slots",
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := run(cmd.Context(), flags); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				return err
			}
			return nil
		},
	}

	root.Flags().BoolVar(&flags.once, "once", false, "run a single check and exit")
	root.Flags().BoolVar(&flags.manual, "manual", false, "open a visible browser and wait for a manual login")
	root.Flags().BoolVar(&flags.health, "health", false, "serve the health endpoints regardless of HEALTH_ENABLED")
	root.MarkFlagsMutuallyExclusive("once", "manual")

	root.AddCommand(newVersionCmd(), newTokenCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get().Long())
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		scopes  string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the health endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.HealthAuthSecret == "" {
				return fmt.Errorf("HEALTH_AUTH_SECRET is not set")
			}

			v := auth.NewVerifier(cfg.HealthAuthSecret, auth.DefaultIssuer)
			token, err := v.Issue(subject, splitScopes(scopes), ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "monitoring", "token subject")
	cmd.Flags().StringVar(&scopes, "scopes", api.ScopeStatus+","+api.ScopeMetrics, "comma-separated scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}

func splitScopes(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
