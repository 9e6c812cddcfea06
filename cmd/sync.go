package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/sw33tLie/shelfsync/pkg/engine"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror the storefront catalog into the local database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *engine.Engine) error {
			res, err := e.SyncCatalog(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Catalog synced: %d added, %d updated, %d unchanged\n", res.Added, res.Updated, res.Unchanged)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
