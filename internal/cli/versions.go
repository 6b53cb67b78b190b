package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"offline0/internal/offline0"
)

// NewVersionsCommand creates the versions command.
func NewVersionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "versions",
		Short:        "List the cache versions present in the cache store",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			caches, closeCaches, err := offline0.OpenCaches(cfg)
			if err != nil {
				return fmt.Errorf("open cache: %w", err)
			}
			defer func() { _ = closeCaches() }()

			versions, err := caches.Versions(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, v := range versions {
				marker := " "
				if v == cfg.Cache.Version {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %s\n", marker, v)
			}
			return nil
		},
	}
}
