package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/sw33tLie/shelfsync/pkg/catalog"
	"github.com/sw33tLie/shelfsync/pkg/engine"
	"github.com/sw33tLie/shelfsync/pkg/storage"
)

var mappingCmd = &cobra.Command{
	Use:   "mapping",
	Short: "Inspect and override name mappings",
}

var mappingSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Map a scraped name onto a catalog item by hand",
	Long: `Records a manual mapping. Manual mappings take precedence over automatic ones
and are left alone by later automap runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("source-kind")
		key, _ := cmd.Flags().GetString("source-key")
		target, _ := cmd.Flags().GetString("target")
		actor, _ := cmd.Flags().GetString("actor")
		if key == "" || target == "" {
			return errors.New("--source-key and --target are required")
		}
		sk, err := sourceKind(kind)
		if err != nil {
			return err
		}
		return withEngine(cmd, func(e *engine.Engine) error {
			m, err := e.SetMapping(cmd.Context(), sk, key, target, actor)
			if err != nil {
				return err
			}
			fmt.Printf("Mapped %s %q -> %s (mapping #%d)\n", m.SourceKind, m.SourceKey, m.TargetKey, m.ID)
			return nil
		})
	},
}

var mappingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active mappings",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("source-kind")
		history, _ := cmd.Flags().GetBool("history")
		f := storage.MappingFilter{IncludeHistory: history}
		if kind != "" {
			sk, err := sourceKind(kind)
			if err != nil {
				return err
			}
			f.SourceKind = sk
		}

		db, err := openDB(true)
		if err != nil {
			return err
		}
		defer db.Close()

		maps, err := db.ListMappings(cmd.Context(), f)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tSOURCE\tTARGET\tSCORE\tORIGIN\tACTIVE\t")
		for _, m := range maps {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.2f\t%s\t%t\t\n", m.ID, m.SourceKind, m.SourceKey, m.TargetKey, m.Score, m.Origin, m.Active)
		}
		return w.Flush()
	},
}

func sourceKind(s string) (catalog.SourceKind, error) {
	switch catalog.SourceKind(s) {
	case catalog.SourceReference, catalog.SourceCompetitor:
		return catalog.SourceKind(s), nil
	}
	return "", fmt.Errorf("unknown source kind %q (want reference or competitor)", s)
}

func init() {
	rootCmd.AddCommand(mappingCmd)
	mappingCmd.AddCommand(mappingSetCmd)
	mappingCmd.AddCommand(mappingListCmd)

	mappingSetCmd.Flags().String("source-kind", "reference", "reference or competitor")
	mappingSetCmd.Flags().String("source-key", "", "Scraped name to map")
	mappingSetCmd.Flags().String("target", "", "Catalog item id")
	mappingSetCmd.Flags().String("actor", "cli", "Actor recorded in the audit log")

	mappingListCmd.Flags().String("source-kind", "", "Only this source kind")
	mappingListCmd.Flags().Bool("history", false, "Include superseded mappings")
}
